// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a key-value store that is wire-compatible with Redis. Use it when
// several server replicas must share authorization codes, refresh tokens,
// access token records and approvals.
//
// # Implemented Interfaces
//
//   - [storage.CodeStore]: single-use authorization codes
//   - [storage.TokenStore]: refresh token rotation, access token records, bulk revocation
//   - [storage.ApprovalStore]: per-scope user approvals
//
// # Key Schema
//
// All keys use a configurable prefix (default "authserver:"). Codes and refresh
// tokens are never stored in the clear; their keys use the hex SHA-256 of the value:
//
//	{prefix}code:{sha256}                     -> JSON(AuthorizationCode) (TTL = code expiry)
//	{prefix}refresh:{sha256}                  -> JSON(RefreshToken) (TTL = token expiry, if any)
//	{prefix}access:{jti}                      -> JSON(AccessTokenRecord)
//	{prefix}family:{familyID}                 -> SET of refresh token hashes
//	{prefix}family:access:{familyID}          -> SET of access token IDs
//	{prefix}userclient:families:{uid}:{cid}   -> SET of family IDs
//	{prefix}userclient:access:{uid}:{cid}     -> SET of access token IDs
//	{prefix}approval:{uid}:{cid}              -> HASH scope -> JSON(Approval)
//
// # Atomic Operations
//
// AtomicCheckAndMarkAuthCodeUsed and AtomicConsumeRefreshToken run as Lua
// scripts, so only one of any number of concurrent callers presenting the same
// code or token succeeds. A consumed refresh token stays behind as a tombstone
// (until its expiry, or for Config.TombstoneRetention if it has none) so a
// replay is reported with its family and the family can be revoked.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Encryption at Rest
//
// User claims carried by codes and refresh tokens can be sealed with
// AES-256-GCM, bound to the record's key:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
package valkey

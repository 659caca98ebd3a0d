// Package token signs and verifies JWT access tokens.
//
// A Codec signs with the current key of a keys.Provider and verifies against
// all of the provider's keys, so tokens signed before a key rotation keep
// verifying while the old key is configured as a fallback. Only RSA and ECDSA
// algorithms are accepted.
//
// Claims pass through a Chain of Enhancers before signing:
//
//	codec, err := token.NewCodec(ctx, provider, "https://auth.example.com")
//	chain := token.NewChain(codec, token.NewUserClaimsEnhancer(nil))
//	raw, claims, err := chain.Apply(ctx, grant, claims)
//
// Enhancers may add claims but not change iss, exp, iat or jti.
package token

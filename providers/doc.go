// Package providers defines how the authorization server authenticates end
// users. The server never checks user passwords itself; it hands the
// credentials of the password grant to a Provider.
//
// Implementations are provided in subpackages:
//   - providers/static: users from configuration with bcrypt password hashes
//   - providers/upstream: delegates to another OAuth2 server using the
//     resource owner password credentials grant and its userinfo endpoint
//   - providers/mock: mock provider for testing
//
// Example usage:
//
//	provider, err := static.NewProvider([]static.User{{
//	    ID:           "1",
//	    Username:     "maria@algafood.local",
//	    PasswordHash: hash,
//	    FullName:     "Maria Joaquina",
//	}}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, _ := server.New(provider, registry, store, store, store, chain, cfg, logger)
package providers

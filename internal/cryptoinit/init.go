// Package cryptoinit initializes the crypto package with implementations
// from subpackages to avoid circular dependencies.
package cryptoinit

import (
	"github.com/brypt-io/brypt-go/crypto"
	"github.com/brypt-io/brypt-go/crypto/formats"
	"github.com/brypt-io/brypt-go/crypto/keys"
	"github.com/brypt-io/brypt-go/crypto/storage"
)

func init() {
	// Register key generators
	crypto.SetKeyGenerators(
		func() (crypto.KeyPair, error) { return keys.GenerateEd25519KeyPair() },
		func() (crypto.KeyPair, error) { return keys.GenerateSecp256k1KeyPair() },
	)

	crypto.RegisterKeyPairGenerator(crypto.KeyTypeEd25519, func() (crypto.KeyPair, error) { return keys.GenerateEd25519KeyPair() })
	crypto.RegisterKeyPairGenerator(crypto.KeyTypeSecp256k1, func() (crypto.KeyPair, error) { return keys.GenerateSecp256k1KeyPair() })
	crypto.RegisterKeyPairGenerator(crypto.KeyTypeX25519, func() (crypto.KeyPair, error) { return keys.GenerateX25519KeyPair() })
	crypto.RegisterKeyPairGenerator(crypto.KeyTypeRSA, func() (crypto.KeyPair, error) { return keys.GenerateRSAKeyPair() })

	// Register storage constructors
	crypto.SetStorageConstructors(
		func() crypto.KeyStorage { return storage.NewMemoryKeyStorage() },
	)
	
	// Register format constructors
	crypto.SetFormatConstructors(
		func() crypto.KeyExporter { return formats.NewJWKExporter() },
		func() crypto.KeyExporter { return formats.NewPEMExporter() },
		func() crypto.KeyImporter { return formats.NewJWKImporter() },
		func() crypto.KeyImporter { return formats.NewPEMImporter() },
	)
}
// Package secrets exposes the read-only secret stores consumed during
// sandbox spawn, and the cipher collaborator that decrypts stored OAuth
// tokens. The actor itself only ever holds ciphertext.
package secrets

import "context"

// Store is a read-only secret source.
type Store interface {
	// Secrets returns the environment secrets for a repository.
	// Global stores ignore owner/repo.
	Secrets(ctx context.Context, owner, repo string) (map[string]string, error)
}

// Cipher decrypts stored token ciphertext. Encryption primitives live
// with the edge; the actor only consumes decryption.
type Cipher interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Static is an in-memory Store, used for global secrets loaded from
// configuration and in tests.
type Static map[string]string

func (s Static) Secrets(ctx context.Context, owner, repo string) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Merge resolves the effective environment for a spawn: global secrets
// first, then per-repo secrets, with per-repo values winning.
func Merge(ctx context.Context, global, perRepo Store, owner, repo string) (map[string]string, error) {
	merged := make(map[string]string)
	if global != nil {
		g, err := global.Secrets(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		for k, v := range g {
			merged[k] = v
		}
	}
	if perRepo != nil {
		p, err := perRepo.Secrets(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		for k, v := range p {
			merged[k] = v
		}
	}
	return merged, nil
}

// PlaintextCipher passes ciphertext through unchanged. Used in tests
// and deployments where the edge stores tokens unencrypted.
type PlaintextCipher struct{}

func (PlaintextCipher) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return ciphertext, nil
}

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"

	"worldcore/pkg/logx"
)

// Secrets file layout: [salt][nonce][ciphertext+tag].
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// ErrWrongPassword is returned when a secrets file cannot be authenticated.
var ErrWrongPassword = errors.New("decryption failed (wrong password or corrupted file)")

// Environment variables consulted when neither the config nor the secrets file
// carries a provider key.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_API_KEY"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
)

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func deriveGCM(password, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecretsFileExists reports whether an encrypted secrets file exists at path.
func SecretsFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EncryptSecretsFile encrypts secrets with a password-derived key and writes
// them to path with 0600 permissions.
func EncryptSecretsFile(path, password string, secrets map[string]string) error {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := deriveGCM(passwordBytes, salt)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create secrets directory: %w", err)
		}
	}
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets at path. Files with loose
// permissions are tightened to 0600 first.
func DecryptSecretsFile(path, password string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logx.NewLogger("config").Warn("secrets file %s has permissions %04o, correcting to 0600", path, info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(fileData) < saltSize+nonceSize+16 { // 16 = GCM tag
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	gcm, err := deriveGCM(passwordBytes, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// SetSecret adds or replaces one secret, creating the file when missing.
func SetSecret(path, password, name, value string) error {
	secrets := map[string]string{}
	if SecretsFileExists(path) {
		existing, err := DecryptSecretsFile(path, password)
		if err != nil {
			return err
		}
		secrets = existing
	}
	secrets[name] = value
	return EncryptSecretsFile(path, password, secrets)
}

// SecretName is the secrets-file key for a provider's API key, e.g. "PRIMARY_API_KEY".
func SecretName(providerName string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(providerName))
	return name + "_API_KEY"
}

// ResolveAPIKeys fills empty provider API keys. Lookup order: the secrets map
// by provider name, the secrets map by the provider type's standard variable,
// then the environment.
func (c *Config) ResolveAPIKeys(secrets map[string]string) {
	for i := range c.Failover.Providers {
		p := &c.Failover.Providers[i]
		if p.APIKey != "" || p.Type == ProviderLocal || p.Type == ProviderOllama {
			continue
		}
		if key := secrets[SecretName(p.Name)]; key != "" {
			p.APIKey = key
			continue
		}
		for _, envVar := range standardKeyVars(p.Type) {
			if key := secrets[envVar]; key != "" {
				p.APIKey = key
				break
			}
			if key := os.Getenv(envVar); key != "" {
				p.APIKey = key
				break
			}
		}
	}
}

func standardKeyVars(providerType string) []string {
	switch providerType {
	case ProviderAnthropic:
		return []string{EnvAnthropicAPIKey}
	case ProviderOpenAI:
		return []string{EnvOpenAIAPIKey}
	case ProviderGoogle:
		return []string{EnvGoogleAPIKey, EnvGeminiAPIKey}
	default:
		return nil
	}
}

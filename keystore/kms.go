package keystore

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
)

// KMSKekConfig unwraps the KEK through AWS KMS: the 32-byte KEK is
// stored on disk only in its KMS-encrypted form and decrypted at
// startup.
type KMSKekConfig struct {
	// Region for the KMS endpoint.
	Region string `yaml:"region"`
	// KeyARN of the wrapping key.
	KeyARN string `yaml:"key_arn"`
	// EncryptedKekFile holds the KMS ciphertext blob of the KEK.
	EncryptedKekFile string `yaml:"encrypted_kek_file"`
}

func unwrapKekWithKMS(cfg *KMSKekConfig) ([]byte, error) {
	if cfg.KeyARN == "" {
		return nil, fmt.Errorf("%w: KMS key ARN not configured", ErrBadKek)
	}

	blob, err := os.ReadFile(cfg.EncryptedKekFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted KEK blob: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := kms.NewFromConfig(awsCfg)

	result, err := client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &cfg.KeyARN,
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}

	log.Info().Str("key_arn", cfg.KeyARN).Msg("KEK unwrapped via KMS")
	return result.Plaintext, nil
}

// ProvisionKMSKek generates a fresh data key under the wrapping key
// and writes the encrypted half to EncryptedKekFile. The plaintext
// half is returned once for verification and never persisted.
func ProvisionKMSKek(ctx context.Context, cfg *KMSKekConfig) ([]byte, error) {
	if cfg.KeyARN == "" {
		return nil, fmt.Errorf("%w: KMS key ARN not configured", ErrBadKek)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := kms.NewFromConfig(awsCfg)

	result, err := client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &cfg.KeyARN,
		KeySpec: "AES_256",
	})
	if err != nil {
		return nil, fmt.Errorf("KMS generate data key failed: %w", err)
	}

	if err := os.WriteFile(cfg.EncryptedKekFile, result.CiphertextBlob, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write encrypted KEK blob: %w", err)
	}

	log.Info().
		Str("key_arn", cfg.KeyARN).
		Str("file", cfg.EncryptedKekFile).
		Msg("Provisioned KMS-wrapped KEK")
	return result.Plaintext, nil
}

package auth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsAPI is the subset of *kms.Client used here.
type kmsAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSConfig selects the key used to unwrap the stream token.
type KMSConfig struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. LocalStack. Static dummy
	// credentials are used when set.
	Endpoint string
	// KeyID pins decryption to one key. Empty lets KMS infer it from the
	// ciphertext.
	KeyID string
	// EncryptionContext must match the context used at encryption time.
	EncryptionContext map[string]string
}

// KMSDecrypter unwraps token ciphertexts with AWS KMS.
type KMSDecrypter struct {
	api    kmsAPI
	keyID  string
	encCtx map[string]string
}

// NewKMSDecrypter builds a decrypter from the default AWS credential chain.
func NewKMSDecrypter(ctx context.Context, cfg KMSConfig) (*KMSDecrypter, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: load aws config: %w", err)
	}

	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newKMSDecrypter(client, cfg), nil
}

func newKMSDecrypter(api kmsAPI, cfg KMSConfig) *KMSDecrypter {
	return &KMSDecrypter{api: api, keyID: cfg.KeyID, encCtx: cfg.EncryptionContext}
}

// Decrypt implements Decrypter.
func (d *KMSDecrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	in := &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: d.encCtx,
	}
	if d.keyID != "" {
		in.KeyId = aws.String(d.keyID)
	}

	out, err := d.api.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("auth: kms decrypt: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return nil, ErrNoToken
	}
	return out.Plaintext, nil
}

package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	ftypes "github.com/cuemby/flotilla/pkg/types"
)

// blockSize is the AES block size the publisher pads environment
// payloads to before encryption.
const blockSize = aes.BlockSize

// Client envelope-encrypts unit environments: it asks a customer
// master key to mint a one-time data key, encrypts with that key
// locally, and returns the KMS-wrapped data key alongside the
// ciphertext. Only the wrapped key and the ciphertext are persisted;
// the plaintext data key never leaves this call.
type Client interface {
	// Encrypt encrypts environment with a fresh data key generated
	// under keyID, returning the fields stored on the unit.
	Encrypt(ctx context.Context, keyID string, environment map[string]string) (*ftypes.EncryptedEnvironment, error)

	// Decrypt unwraps the data key under keyID and decrypts the
	// environment previously produced by Encrypt.
	Decrypt(ctx context.Context, keyID string, encrypted *ftypes.EncryptedEnvironment) (map[string]string, error)
}

// AWSClient implements Client against AWS KMS.
type AWSClient struct {
	kms *awskms.Client
}

// NewAWSClient wraps an AWS KMS SDK client.
func NewAWSClient(kmsClient *awskms.Client) *AWSClient {
	return &AWSClient{kms: kmsClient}
}

func (c *AWSClient) Encrypt(ctx context.Context, keyID string, environment map[string]string) (*ftypes.EncryptedEnvironment, error) {
	dataKey, err := c.kms.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
		KeyId:   &keyID,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	iv := make([]byte, blockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	plaintext, err := marshalEnvironment(environment)
	if err != nil {
		return nil, err
	}

	ciphertext, err := encryptCBC(dataKey.Plaintext, iv, aesPad(plaintext))
	if err != nil {
		return nil, err
	}

	return &ftypes.EncryptedEnvironment{
		DataKey:    dataKey.CiphertextBlob,
		IV:         iv,
		Ciphertext: ciphertext,
	}, nil
}

func (c *AWSClient) Decrypt(ctx context.Context, keyID string, encrypted *ftypes.EncryptedEnvironment) (map[string]string, error) {
	decrypted, err := c.kms.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          &keyID,
		CiphertextBlob: encrypted.DataKey,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt data key: %w", err)
	}

	plaintext, err := decryptCBC(decrypted.Plaintext, encrypted.IV, encrypted.Ciphertext)
	if err != nil {
		return nil, err
	}

	return unmarshalEnvironment(plaintext)
}

func encryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	if len(plaintext)%blockSize != 0 {
		return nil, fmt.Errorf("plaintext is not a multiple of the block size")
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// aesPad pads s with spaces to the next AES block boundary, matching
// the original implementation's padding exactly (space bytes, not
// numeric PKCS#7 values, so a naive byte-for-byte reimplementation in
// another language still interoperates).
func aesPad(s []byte) []byte {
	pad := blockSize - len(s)%blockSize
	padded := make([]byte, len(s)+pad)
	copy(padded, s)
	for i := len(s); i < len(padded); i++ {
		padded[i] = ' '
	}
	return padded
}

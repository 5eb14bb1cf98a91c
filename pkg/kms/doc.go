/*
Package kms implements envelope encryption for unit environments.

Client.Encrypt asks AWS KMS to mint a one-time AES-256 data key under a
service's configured customer master key, then encrypts the
JSON-encoded environment locally with AES-CBC. Only the KMS-wrapped
data key, the IV, and the ciphertext are persisted on the unit
(types.EncryptedEnvironment); the plaintext data key is discarded
after use.

Padding matches the reference implementation exactly: plaintext is
padded with space bytes to the next block boundary rather than
numeric PKCS#7 values, since JSON tolerates trailing whitespace and
this keeps ciphertexts produced by either implementation
interchangeable.
*/
package kms

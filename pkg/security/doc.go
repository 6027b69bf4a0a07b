/*
Package security handles encryption of sensitive data at rest: the SSH
passwords and sudo passwords the Host Connector needs in order to reach
a Server. Private-key files are not encrypted by this package; they are
read from disk as stored.

SecretsManager wraps AES-256-GCM (standard library crypto/aes,
crypto/cipher) keyed from the operator-configured SECRET_KEY environment
value. When a SecretsManager is configured, these passwords are never
persisted in plaintext; every read from
the store that needs to act on a credential decrypts it just before use
and lets it go out of scope immediately after.
*/
package security

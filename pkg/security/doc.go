/*
Package security holds the connector's cryptographic primitives.

Two concerns live here:

  - Keyring: derivation of the spool encryption key from a master passphrase
    via PBKDF2-HMAC-SHA256 with a per-installation random salt file, and
    AES-256-GCM seal/open for spool segment payloads. The derived key never
    leaves process memory.
  - Server certificate vetting for OPC-UA endpoints: existence, PEM/DER
    parsing, validity window, and rejection of SHA-1/MD5 signatures. A
    certificate failure refuses the source rather than degrading it.
*/
package security

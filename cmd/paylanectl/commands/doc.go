// Package commands defines the paylanectl operator CLI.
//
// Commands
//
//   - keygen         Generate a secp256k1 key file
//   - export         Write a backup of a stopped node's channel records
//   - import         Restore channel records from a backup
//   - decode-ticket  Print the fields and signer of a signed ticket
//
// The remaining commands drive a running node through its operator API
// (--node): status, channels, open, settle, withdraw, cooperative-close,
// close-all, issue, accept and secret.
//
// Export and import open the node's store directly, so the node must not be
// running while they execute.
package commands

/*
Package auth is the auth store (spec component C3): it persists API keys in
a storage.Environment, derives each key's token deterministically from its
uid and the process master key, and authorizes (token, action, index)
triples against a key's actions and indexes sets.

The derivation is key = hex(HMAC_SHA256(masterKey, uid)), so keys are never
stored as independent secrets — only the master key and the uid are needed
to reconstruct the token, and nothing needs to be encrypted at rest.
*/
package auth

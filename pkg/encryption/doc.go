// Package encryption implements the LAN mode crypto engine.
//
// A Session is created once per key exchange. Both ends derive the same two
// signing keys from the shared LAN key and the negotiation fields:
//
//	app seed = deviceRandom ‖ appRandom ‖ deviceTime ‖ appTime
//	dev seed = appRandom ‖ deviceRandom ‖ appTime ‖ deviceTime
//
//	SignKey  = HMAC-SHA256(lanKey, SHA256(seed) ‖ "0")
//	CryptKey = HKDF-SHA256(SignKey, salt=SHA256(seed), info="lan-crypt-v1")
//
// Derivation is deterministic: equal inputs always yield equal keys.
//
// # Message Protection
//
// Payloads are encrypted with AES-256-CTR under a fresh random IV and the
// result is authenticated with HMAC-SHA256 under the sign key of the sending
// direction:
//
//	enc  = base64(IV ‖ ciphertext)
//	sign = base64(HMAC(SignKey, IV ‖ ciphertext))
//
// The signature is always verified in constant time before any decryption.
// Plaintexts carry a per-direction sequence number that must strictly
// increase; a replayed or reordered message is rejected.
package encryption

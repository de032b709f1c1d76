// Package wire defines the JSON wire format of the LAN protocol.
//
// Devices talk to the application's embedded HTTP server. The request path
// selects the message kind; every path lives under PathPrefix.
//
// # Cleartext and Sealed Bodies
//
// Key exchange requests and command polls travel as cleartext JSON. Every
// other body is a sealed envelope:
//
//	{"enc": "<base64 IV‖ciphertext>", "sign": "<base64 HMAC>"}
//
// whose plaintext is
//
//	{"seq_no": n, "data": {...}}
//
// Only the data member is exposed on a decoded Message.
//
// # Callbacks
//
// A device answers a command by posting to the command's uri with the
// cmd_id and status query parameters set, e.g.
//
//	POST /local_lan/property/datapoint.json?cmd_id=3&status=200
package wire

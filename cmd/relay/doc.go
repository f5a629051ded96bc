// Command utter-relay runs the relay hub.
//
// It serves POST /auth, POST /auth/refresh, GET /health and the /ws
// WebSocket on one port. Configuration comes from defaults, an optional
// YAML file (--config), UTTER_* environment variables and flags, in that
// order of precedence, lowest first. SIGINT or SIGTERM closes every relay
// connection and stops the server.
//
//	utter-relay --config relay.yaml
//	UTTER_TOKEN__SECRET=... utter-relay --port 9000 --registry redis
package main

package overlay

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// obs-websocket v5 opcodes
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opRequest         = 6
	opRequestResponse = 7
)

const rpcVersion = 1

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	ObsWebSocketVersion string         `json:"obsWebSocketVersion"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *authChallenge `json:"authentication,omitempty"`
}

type authChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type identified struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type request struct {
	RequestType string      `json:"requestType"`
	RequestID   string      `json:"requestId"`
	RequestData interface{} `json:"requestData,omitempty"`
}

type requestResponse struct {
	RequestType   string        `json:"requestType"`
	RequestID     string        `json:"requestId"`
	RequestStatus requestStatus `json:"requestStatus"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type setInputSettings struct {
	InputName     string       `json:"inputName"`
	InputSettings textSettings `json:"inputSettings"`
}

type textSettings struct {
	Text string `json:"text"`
}

// authResponse computes base64(sha256(base64(sha256(password + salt)) + challenge))
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])

	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func writeMessage(conn *websocket.Conn, op int, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode op %d: %w", op, err)
	}
	return conn.WriteJSON(message{Op: op, D: data})
}

// readMessage reads the next message and decodes its payload when it has opcode op
func readMessage(conn *websocket.Conn, op int, payload interface{}) error {
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Op != op {
		return fmt.Errorf("expected op %d, got op %d", op, msg.Op)
	}
	if payload == nil {
		return nil
	}
	if err := json.Unmarshal(msg.D, payload); err != nil {
		return fmt.Errorf("failed to decode op %d: %w", op, err)
	}
	return nil
}

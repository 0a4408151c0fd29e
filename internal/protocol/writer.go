// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
)

// Primitivas de escrita. Operam sobre bytes.Buffer e são totais: nunca
// retornam erro. Inteiros são little-endian.

func putUint8(buf *bytes.Buffer, v uint8) {
	buf.WriteByte(v)
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
		return
	}
	buf.WriteByte(0)
}

// putString escreve o tamanho (uint32) seguido dos bytes da string.
func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// putOptionalString escreve o discriminador de presença (uint8) e, se
// presente, a string.
func putOptionalString(buf *bytes.Buffer, s *string) {
	if s == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	putString(buf, *s)
}

// EncodeGetChallenge codifica o comando GETCHALLENGE (Client → Server).
// Formato: [Opcode 1B] [UserID uint32 4B]
func EncodeGetChallenge(userID uint32) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpGetChallenge)
	putUint32(&buf, userID)
	return buf.Bytes()
}

// EncodeChallengeResponse codifica a resposta CHALLENGERESPONSE (Server → Client).
// Formato: [Opcode 1B] [Challenge uint32 4B]
func EncodeChallengeResponse(challenge uint32) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpChallengeResponse)
	putUint32(&buf, challenge)
	return buf.Bytes()
}

// EncodeConnect codifica o comando CONNECT (Client → Server).
// Formato: [Opcode 1B] [Challenge uint32 4B] [PlayerName string]
func EncodeConnect(challenge uint32, playerName string) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpConnect)
	putUint32(&buf, challenge)
	putString(&buf, playerName)
	return buf.Bytes()
}

// EncodeConnectResponse codifica a resposta CONNECTRESPONSE (Server → Client).
// Formato: [Opcode 1B] [ClientID uint8 1B] [ServerID uint32 4B]
func EncodeConnectResponse(clientID uint8, serverID uint32) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpConnectResponse)
	putUint8(&buf, clientID)
	putUint32(&buf, serverID)
	return buf.Bytes()
}

// EncodeDisconnect codifica o comando DISCONNECT (bidirecional).
// Formato: [Opcode 1B] [Reason string]
func EncodeDisconnect(reason string) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpDisconnect)
	putString(&buf, reason)
	return buf.Bytes()
}

// EncodeGetInfo codifica a query GETINFO (corpo vazio).
func EncodeGetInfo() []byte {
	return []byte{OpGetInfo}
}

// EncodeGetStatus codifica a query GETSTATUS (corpo vazio).
func EncodeGetStatus() []byte {
	return []byte{OpGetStatus}
}

func putInfoBody(buf *bytes.Buffer, info InfoResponse) {
	putString(buf, info.Hostname)
	putString(buf, info.MapName)
	putUint8(buf, info.GameMode)
	putUint8(buf, info.MaxPlayers)
	putUint8(buf, info.Version)
}

// EncodeInfoResponse codifica a resposta INFORESPONSE (Server → Client).
// Formato: [Opcode 1B] [Hostname string] [MapName string] [GameMode 1B]
// [MaxPlayers 1B] [Version 1B]
func EncodeInfoResponse(info InfoResponse) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpInfoResponse)
	putInfoBody(&buf, info)
	return buf.Bytes()
}

// EncodeStatusResponse codifica a resposta STATUSRESPONSE (Server → Client).
// Formato: corpo do InfoResponse + [Count uint8] e, por peer conectado,
// [Score uint32] [Ping uint8] [Name string]
func EncodeStatusResponse(status StatusResponse) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpStatusResponse)
	putInfoBody(&buf, status.Info)
	putUint8(&buf, uint8(len(status.Players)))
	for _, p := range status.Players {
		putUint32(&buf, p.Score)
		putUint8(&buf, p.Ping)
		putString(&buf, p.Name)
	}
	return buf.Bytes()
}

// EncodeHeartbeat codifica o payload de um frame heartbeat (flag=1).
// Formato: [Count uint32] [Seq uint64 × Count]
func EncodeHeartbeat(lost []uint64) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(lost)))
	for _, seq := range lost {
		putUint64(&buf, seq)
	}
	return buf.Bytes()
}

// EncodeConnectedPackage codifica um pacote sequenciado.
// Formato: [Sequence uint64] [Acknowledge uint64] [EndOfContent 1B] [Body]
func EncodeConnectedPackage(pkg ConnectedPackage) []byte {
	var buf bytes.Buffer
	putUint64(&buf, pkg.Sequence)
	putUint64(&buf, pkg.Acknowledge)
	putBool(&buf, pkg.EndOfContent)
	buf.Write(pkg.Body)
	return buf.Bytes()
}

// EncodeComponentUpdate codifica um comando SENDCOMP.
// Formato: [Opcode 1B] [Entity uint64] [Key string] [Data até o fim]
func EncodeComponentUpdate(c ComponentUpdate) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpSendComponent)
	putUint64(&buf, c.Entity)
	putString(&buf, c.Key)
	buf.Write(c.Data)
	return buf.Bytes()
}

// EncodeEvent codifica um comando SENDEVENT.
// Formato: [Opcode 1B] [EventID string] [Data até o fim]
func EncodeEvent(e Event) []byte {
	var buf bytes.Buffer
	putUint8(&buf, OpSendEvent)
	putString(&buf, e.EventID)
	buf.Write(e.Data)
	return buf.Bytes()
}

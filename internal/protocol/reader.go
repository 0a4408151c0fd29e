// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Primitivas de leitura. Operam em streaming sobre um bytes.Reader: cada
// primitiva consome um prefixo fixo e deixa o restante para a próxima.
// Bytes insuficientes viram ErrTruncated; discriminadores ou tamanhos
// impossíveis viram ErrMalformed. Nenhum decoder entra em panic.

func takeUint8(r *bytes.Reader) (uint8, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, ErrTruncated
	}
	return b, nil
}

func takeUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func takeUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func takeBool(r *bytes.Reader) (bool, error) {
	b, err := takeUint8(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// takeString lê o tamanho (uint32) e os bytes da string.
func takeString(r *bytes.Reader) (string, error) {
	length, err := takeUint32(r)
	if err != nil {
		return "", err
	}
	if length > MaxStringLen {
		return "", fmt.Errorf("%w: string length %d exceeds limit", ErrMalformed, length)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrTruncated
	}
	return string(b), nil
}

// takeOptionalString lê o discriminador de presença e, se 1, a string.
// Qualquer discriminador diferente de 0 ou 1 é ErrMalformed.
func takeOptionalString(r *bytes.Reader) (*string, error) {
	present, err := takeUint8(r)
	if err != nil {
		return nil, err
	}
	switch present {
	case 0:
		return nil, nil
	case 1:
		s, err := takeString(r)
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: optional discriminator %d", ErrMalformed, present)
	}
}

// takeRest consome todos os bytes restantes.
func takeRest(r *bytes.Reader) []byte {
	b := make([]byte, r.Len())
	io.ReadFull(r, b)
	return b
}

// DecodeConnectionless separa opcode e corpo de um payload connectionless.
func DecodeConnectionless(payload []byte) (ConnectionlessCommand, error) {
	r := bytes.NewReader(payload)
	op, err := takeUint8(r)
	if err != nil {
		return ConnectionlessCommand{}, fmt.Errorf("reading connectionless opcode: %w", err)
	}
	return ConnectionlessCommand{Opcode: op, Body: takeRest(r)}, nil
}

// DecodeGetChallenge decodifica o corpo de um GETCHALLENGE.
func DecodeGetChallenge(body []byte) (GetChallenge, error) {
	r := bytes.NewReader(body)
	userID, err := takeUint32(r)
	if err != nil {
		return GetChallenge{}, fmt.Errorf("reading getchallenge user id: %w", err)
	}
	return GetChallenge{UserID: userID}, nil
}

// DecodeChallengeResponse decodifica o corpo de um CHALLENGERESPONSE.
func DecodeChallengeResponse(body []byte) (ChallengeResponse, error) {
	r := bytes.NewReader(body)
	challenge, err := takeUint32(r)
	if err != nil {
		return ChallengeResponse{}, fmt.Errorf("reading challenge: %w", err)
	}
	return ChallengeResponse{Challenge: challenge}, nil
}

// DecodeConnect decodifica o corpo de um CONNECT.
func DecodeConnect(body []byte) (Connect, error) {
	r := bytes.NewReader(body)
	challenge, err := takeUint32(r)
	if err != nil {
		return Connect{}, fmt.Errorf("reading connect challenge: %w", err)
	}
	name, err := takeString(r)
	if err != nil {
		return Connect{}, fmt.Errorf("reading connect player name: %w", err)
	}
	return Connect{Challenge: challenge, PlayerName: name}, nil
}

// DecodeConnectResponse decodifica o corpo de um CONNECTRESPONSE.
func DecodeConnectResponse(body []byte) (ConnectResponse, error) {
	r := bytes.NewReader(body)
	clientID, err := takeUint8(r)
	if err != nil {
		return ConnectResponse{}, fmt.Errorf("reading connect response client id: %w", err)
	}
	serverID, err := takeUint32(r)
	if err != nil {
		return ConnectResponse{}, fmt.Errorf("reading connect response server id: %w", err)
	}
	return ConnectResponse{ClientID: clientID, ServerID: serverID}, nil
}

// DecodeDisconnect decodifica o corpo de um DISCONNECT.
func DecodeDisconnect(body []byte) (Disconnect, error) {
	r := bytes.NewReader(body)
	reason, err := takeString(r)
	if err != nil {
		return Disconnect{}, fmt.Errorf("reading disconnect reason: %w", err)
	}
	return Disconnect{Reason: reason}, nil
}

func takeInfoBody(r *bytes.Reader) (InfoResponse, error) {
	hostname, err := takeString(r)
	if err != nil {
		return InfoResponse{}, fmt.Errorf("reading info hostname: %w", err)
	}
	mapName, err := takeString(r)
	if err != nil {
		return InfoResponse{}, fmt.Errorf("reading info map name: %w", err)
	}
	gameMode, err := takeUint8(r)
	if err != nil {
		return InfoResponse{}, fmt.Errorf("reading info game mode: %w", err)
	}
	maxPlayers, err := takeUint8(r)
	if err != nil {
		return InfoResponse{}, fmt.Errorf("reading info max players: %w", err)
	}
	version, err := takeUint8(r)
	if err != nil {
		return InfoResponse{}, fmt.Errorf("reading info version: %w", err)
	}
	return InfoResponse{
		Hostname:   hostname,
		MapName:    mapName,
		GameMode:   gameMode,
		MaxPlayers: maxPlayers,
		Version:    version,
	}, nil
}

// DecodeInfoResponse decodifica o corpo de um INFORESPONSE.
func DecodeInfoResponse(body []byte) (InfoResponse, error) {
	return takeInfoBody(bytes.NewReader(body))
}

// DecodeStatusResponse decodifica o corpo de um STATUSRESPONSE.
func DecodeStatusResponse(body []byte) (StatusResponse, error) {
	r := bytes.NewReader(body)
	info, err := takeInfoBody(r)
	if err != nil {
		return StatusResponse{}, err
	}
	count, err := takeUint8(r)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("reading status player count: %w", err)
	}
	players := make([]PlayerStatus, 0, count)
	for i := 0; i < int(count); i++ {
		score, err := takeUint32(r)
		if err != nil {
			return StatusResponse{}, fmt.Errorf("reading status player %d score: %w", i, err)
		}
		ping, err := takeUint8(r)
		if err != nil {
			return StatusResponse{}, fmt.Errorf("reading status player %d ping: %w", i, err)
		}
		name, err := takeString(r)
		if err != nil {
			return StatusResponse{}, fmt.Errorf("reading status player %d name: %w", i, err)
		}
		players = append(players, PlayerStatus{Score: score, Ping: ping, Name: name})
	}
	return StatusResponse{Info: info, Players: players}, nil
}

// DecodeHeartbeat decodifica o payload de um frame heartbeat.
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	r := bytes.NewReader(payload)
	count, err := takeUint32(r)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("reading heartbeat count: %w", err)
	}
	// Cada sequence ocupa 8 bytes; um count maior que o restante é impossível.
	if int(count) > r.Len()/8 {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat count %d exceeds payload", ErrMalformed, count)
	}
	lost := make([]uint64, 0, count)
	for i := uint32(0); i < count; i++ {
		seq, err := takeUint64(r)
		if err != nil {
			return Heartbeat{}, fmt.Errorf("reading heartbeat sequence %d: %w", i, err)
		}
		lost = append(lost, seq)
	}
	return Heartbeat{LostPackages: lost}, nil
}

// DecodeConnectedPackage decodifica um pacote sequenciado.
func DecodeConnectedPackage(payload []byte) (ConnectedPackage, error) {
	r := bytes.NewReader(payload)
	seq, err := takeUint64(r)
	if err != nil {
		return ConnectedPackage{}, fmt.Errorf("reading package sequence: %w", err)
	}
	ack, err := takeUint64(r)
	if err != nil {
		return ConnectedPackage{}, fmt.Errorf("reading package acknowledge: %w", err)
	}
	eoc, err := takeBool(r)
	if err != nil {
		return ConnectedPackage{}, fmt.Errorf("reading package end of content: %w", err)
	}
	return ConnectedPackage{
		Sequence:     seq,
		Acknowledge:  ack,
		EndOfContent: eoc,
		Body:         takeRest(r),
	}, nil
}

// DecodeConnectedCommand separa opcode e corpo de um comando connected.
func DecodeConnectedCommand(body []byte) (ConnectedCommand, error) {
	r := bytes.NewReader(body)
	op, err := takeUint8(r)
	if err != nil {
		return ConnectedCommand{}, fmt.Errorf("reading connected opcode: %w", err)
	}
	return ConnectedCommand{Opcode: op, Body: takeRest(r)}, nil
}

// DecodeComponentUpdate decodifica o corpo de um SENDCOMP.
func DecodeComponentUpdate(body []byte) (ComponentUpdate, error) {
	r := bytes.NewReader(body)
	entity, err := takeUint64(r)
	if err != nil {
		return ComponentUpdate{}, fmt.Errorf("reading component entity: %w", err)
	}
	key, err := takeString(r)
	if err != nil {
		return ComponentUpdate{}, fmt.Errorf("reading component key: %w", err)
	}
	return ComponentUpdate{Entity: entity, Key: key, Data: takeRest(r)}, nil
}

// DecodeEvent decodifica o corpo de um SENDEVENT.
func DecodeEvent(body []byte) (Event, error) {
	r := bytes.NewReader(body)
	id, err := takeString(r)
	if err != nil {
		return Event{}, fmt.Errorf("reading event id: %w", err)
	}
	return Event{EventID: id, Data: takeRest(r)}, nil
}

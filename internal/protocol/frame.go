// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Obfuscate aplica a chave XOR byte a byte, in place. A operação é
// simétrica: a mesma chamada ofusca e desofusca.
func Obfuscate(b []byte) {
	for i := range b {
		b[i] ^= ObfuscationKey
	}
}

// EncodeFrame monta o datagrama completo pronto para o socket:
// [Magic 4B em claro] [XOR( [Heartbeat 1B] [Payload] )] [EOF 4B em claro]
func EncodeFrame(heartbeat bool, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(MagicLength + 1 + len(payload) + EOFLength)

	putUint32(&buf, Magic)

	start := buf.Len()
	putBool(&buf, heartbeat)
	buf.Write(payload)
	Obfuscate(buf.Bytes()[start:])

	putUint32(&buf, FrameEOF)
	return buf.Bytes()
}

// DecodeFrame valida o magic e desofusca o conteúdo de um frame já
// extraído do buffer de remontagem (sem o terminador).
// O slice de entrada é modificado pela desofuscação.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < MagicLength+1 {
		return Frame{}, fmt.Errorf("frame of %d bytes: %w", len(data), ErrTruncated)
	}
	if binary.LittleEndian.Uint32(data[:MagicLength]) != Magic {
		return Frame{}, ErrInvalidMagic
	}

	rest := data[MagicLength:]
	Obfuscate(rest)

	return Frame{
		Heartbeat: rest[0] != 0,
		Payload:   rest[1:],
	}, nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// maxDecompressedSize limita a expansão de um payload comprimido.
const maxDecompressedSize = 20000

// ErrCompress indica falha ao comprimir ou descomprimir um payload.
var ErrCompress = errors.New("protocol: compress error")

// Codec é a camada externa plugável aplicada ao payload antes do framing.
// O transporte opera com PassthroughCodec por padrão; ZlibCodec é
// habilitado por configuração em ambos os lados.
type Codec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(payload []byte) ([]byte, error)
}

// PassthroughCodec devolve o payload inalterado.
type PassthroughCodec struct{}

func (PassthroughCodec) Encode(payload []byte) ([]byte, error) { return payload, nil }
func (PassthroughCodec) Decode(payload []byte) ([]byte, error) { return payload, nil }

// ZlibCodec comprime o payload com zlib.
type ZlibCodec struct{}

func (ZlibCodec) Encode(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: compressing payload: %v", ErrCompress, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: flushing compressor: %v", ErrCompress, err)
	}
	return buf.Bytes(), nil
}

func (ZlibCodec) Decode(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: opening compressed payload: %v", ErrCompress, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCompress, err)
	}
	if len(out) > maxDecompressedSize {
		return nil, fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrCompress, maxDecompressedSize)
	}
	return out, nil
}

// NewCodec devolve o codec pela chave de configuração.
// "" e "none" desabilitam a compressão.
func NewCodec(mode string) (Codec, error) {
	switch mode {
	case "", "none":
		return PassthroughCodec{}, nil
	case "zlib":
		return ZlibCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}
}

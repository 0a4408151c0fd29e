// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstSize é o burst máximo do token bucket (256KB).
const maxBurstSize = 256 * 1024

// PacketThrottle limita a banda de saída do endpoint em bytes/segundo
// com um token bucket. Um throttle nil é bypass: Wait retorna sem custo.
type PacketThrottle struct {
	limiter *rate.Limiter
}

// NewPacketThrottle cria um throttle com a taxa máxima em bytes/segundo.
// Retorna nil (bypass) quando bytesPerSec <= 0.
func NewPacketThrottle(bytesPerSec int64) *PacketThrottle {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	// O burst precisa acomodar o maior datagrama possível.
	if burst < DefaultReassemblySize {
		burst = DefaultReassemblySize
	}

	return &PacketThrottle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

// Wait bloqueia até haver tokens para um datagrama de n bytes.
func (pt *PacketThrottle) Wait(ctx context.Context, n int) error {
	if pt == nil {
		return nil
	}
	if n > pt.limiter.Burst() {
		n = pt.limiter.Burst()
	}
	return pt.limiter.WaitN(ctx, n)
}

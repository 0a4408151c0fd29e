// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/n-link/internal/protocol"
)

func testPkg(seq uint64) protocol.ConnectedPackage {
	return protocol.ConnectedPackage{
		Sequence:     seq,
		Acknowledge:  0,
		EndOfContent: true,
		Body:         []byte{byte(seq)},
	}
}

func newTestManager(ask, retransmit time.Duration) *AcknowledgeManager {
	return NewAcknowledgeManager(ask, retransmit, slog.Default())
}

func TestAcknowledgeManager_InOrderDelivery(t *testing.T) {
	am := newTestManager(0, 0)

	for seq := uint64(1); seq <= 3; seq++ {
		am.RegisterReceived(testPkg(seq))
	}

	available := am.ExtractAvailable()
	if len(available) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(available))
	}
	for i, pkg := range available {
		if pkg.Sequence != uint64(i+1) {
			t.Errorf("expected sequence %d at position %d, got %d", i+1, i, pkg.Sequence)
		}
	}
	if am.Acknowledge() != 3 {
		t.Errorf("expected acknowledge 3, got %d", am.Acknowledge())
	}
}

func TestAcknowledgeManager_OutOfOrderReordering(t *testing.T) {
	am := newTestManager(0, 0)

	// Chegada 1, 3, 2, 5, 4 deve entregar 1..5 em ordem
	for _, seq := range []uint64{1, 3, 2, 5, 4} {
		am.RegisterReceived(testPkg(seq))
	}

	available := am.ExtractAvailable()
	if len(available) != 5 {
		t.Fatalf("expected 5 packages, got %d", len(available))
	}
	for i, pkg := range available {
		if pkg.Sequence != uint64(i+1) {
			t.Errorf("expected sequence %d at position %d, got %d", i+1, i, pkg.Sequence)
		}
	}
}

func TestAcknowledgeManager_StopsAtGap(t *testing.T) {
	am := newTestManager(0, 0)

	am.RegisterReceived(testPkg(1))
	am.RegisterReceived(testPkg(3))

	available := am.ExtractAvailable()
	if len(available) != 1 || available[0].Sequence != 1 {
		t.Fatalf("expected only sequence 1, got %v", available)
	}

	// O gap fecha e o restante sai
	am.RegisterReceived(testPkg(2))
	available = am.ExtractAvailable()
	if len(available) != 2 || available[0].Sequence != 2 || available[1].Sequence != 3 {
		t.Fatalf("expected sequences 2 and 3, got %v", available)
	}
}

func TestAcknowledgeManager_DuplicateSuppression(t *testing.T) {
	am := newTestManager(0, 0)

	am.RegisterReceived(testPkg(1))
	am.RegisterReceived(testPkg(1)) // duplicata antes da entrega

	available := am.ExtractAvailable()
	if len(available) != 1 {
		t.Fatalf("expected 1 package, got %d", len(available))
	}

	// Duplicata stale depois da entrega
	am.RegisterReceived(testPkg(1))
	if got := am.ExtractAvailable(); len(got) != 0 {
		t.Fatalf("expected no redelivery, got %v", got)
	}
}

func TestAcknowledgeManager_ApproveInclusive(t *testing.T) {
	am := newTestManager(0, 0)

	for seq := uint64(1); seq <= 3; seq++ {
		am.RegisterSent(testPkg(seq))
	}
	if am.PendingApproval() != 3 {
		t.Fatalf("expected 3 pending, got %d", am.PendingApproval())
	}

	// Bound inclusivo: approve(2) remove 1 e 2
	am.Approve(2)
	if am.PendingApproval() != 1 {
		t.Fatalf("expected 1 pending after approve(2), got %d", am.PendingApproval())
	}

	// Ack menor que o já observado não reintroduz nada
	am.Approve(1)
	if am.PendingApproval() != 1 {
		t.Fatalf("expected 1 pending after stale approve, got %d", am.PendingApproval())
	}

	am.Approve(3)
	if am.PendingApproval() != 0 {
		t.Fatalf("expected 0 pending after approve(3), got %d", am.PendingApproval())
	}
}

func TestAcknowledgeManager_LostDetectsGaps(t *testing.T) {
	am := newTestManager(time.Hour, 0)

	am.RegisterReceived(testPkg(2))
	am.RegisterReceived(testPkg(5))

	lost := am.Lost()
	want := []uint64{1, 3, 4}
	if len(lost) != len(want) {
		t.Fatalf("expected lost %v, got %v", want, lost)
	}
	for i, seq := range want {
		if lost[i] != seq {
			t.Errorf("expected lost[%d]=%d, got %d", i, seq, lost[i])
		}
	}

	// Dentro do cooldown, os mesmos gaps não são pedidos de novo
	if again := am.Lost(); len(again) != 0 {
		t.Fatalf("expected no repeated NACKs within cooldown, got %v", again)
	}
}

func TestAcknowledgeManager_LostRespectsCooldownExpiry(t *testing.T) {
	am := newTestManager(10*time.Millisecond, 0)

	am.RegisterReceived(testPkg(2))

	if lost := am.Lost(); len(lost) != 1 || lost[0] != 1 {
		t.Fatalf("expected lost [1], got %v", lost)
	}

	time.Sleep(15 * time.Millisecond)

	if lost := am.Lost(); len(lost) != 1 || lost[0] != 1 {
		t.Fatalf("expected lost [1] after cooldown, got %v", lost)
	}
}

func TestAcknowledgeManager_ResendRewritesAcknowledge(t *testing.T) {
	am := newTestManager(0, time.Hour)

	am.RegisterSent(testPkg(1))

	// A entrega local avança antes da retransmissão
	am.RegisterReceived(testPkg(1))
	am.RegisterReceived(testPkg(2))
	am.ExtractAvailable()

	resends := am.Resend([]uint64{1})
	if len(resends) != 1 {
		t.Fatalf("expected 1 resend, got %d", len(resends))
	}

	pkg, err := protocol.DecodeConnectedPackage(resends[0])
	if err != nil {
		t.Fatalf("DecodeConnectedPackage: %v", err)
	}
	if pkg.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", pkg.Sequence)
	}
	if pkg.Acknowledge != 2 {
		t.Errorf("expected rewritten acknowledge 2, got %d", pkg.Acknowledge)
	}

	// Dentro do cooldown a mesma sequence não sai de novo
	if again := am.Resend([]uint64{1}); len(again) != 0 {
		t.Fatalf("expected no resend within cooldown, got %d", len(again))
	}
}

func TestAcknowledgeManager_ResendUnknownSequence(t *testing.T) {
	am := newTestManager(0, 0)

	if resends := am.Resend([]uint64{42}); len(resends) != 0 {
		t.Fatalf("expected no resend for unknown sequence, got %d", len(resends))
	}
}

func TestAcknowledgeManager_Reset(t *testing.T) {
	am := newTestManager(0, 0)

	am.RegisterReceived(testPkg(5))
	am.RegisterReceived(testPkg(7))
	am.Reset()

	if am.Acknowledge() != 7 {
		t.Errorf("expected acknowledge 7 after reset, got %d", am.Acknowledge())
	}
	if got := am.ExtractAvailable(); len(got) != 0 {
		t.Errorf("expected empty window after reset, got %v", got)
	}

	am.ResetTo(100)
	if am.Acknowledge() != 100 {
		t.Errorf("expected acknowledge 100 after ResetTo, got %d", am.Acknowledge())
	}
}

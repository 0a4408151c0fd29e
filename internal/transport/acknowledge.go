// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"log/slog"
	"sort"
	"time"

	"github.com/nishisan-dev/n-link/internal/protocol"
)

// Cooldowns padrão da gerência de acknowledges.
const (
	// DefaultAskCooldown é o intervalo mínimo entre NACKs repetidos para a
	// mesma sequence faltante.
	DefaultAskCooldown = 50 * time.Millisecond

	// DefaultRetransmitCooldown é o intervalo mínimo entre retransmissões
	// do mesmo pacote não confirmado.
	DefaultRetransmitCooldown = 50 * time.Millisecond
)

// receivedEntry é um pacote recebido fora de ordem, ainda não entregável.
type receivedEntry struct {
	pkg       protocol.ConnectedPackage
	firstSeen time.Time
}

// sentEntry é um pacote enviado aguardando acknowledge cumulativo.
type sentEntry struct {
	pkg       protocol.ConnectedPackage
	firstSent time.Time
	nextSend  time.Time
}

// AcknowledgeManager mantém, por peer, a janela de envio e recepção:
// pacotes recebidos fora de ordem aguardando entrega em ordem, pacotes
// enviados aguardando acknowledge, e o cursor cumulativo de entrega.
//
// Não é thread-safe: pertence à sessão e é mutado sob o mutex da tabela
// de peers do endpoint.
type AcknowledgeManager struct {
	awaitingReceived map[uint64]*receivedEntry
	awaitingApproval map[uint64]*sentEntry

	// asked registra quando cada sequence faltante foi pedida pela última
	// vez, para o cooldown de NACK.
	asked map[uint64]time.Time

	// lastDelivered é a maior sequence contígua já entregue à aplicação.
	// Monotônico não-decrescente.
	lastDelivered uint64

	askCooldown        time.Duration
	retransmitCooldown time.Duration

	logger *slog.Logger
}

// NewAcknowledgeManager cria um manager com os cooldowns informados.
// Valores não positivos caem nos defaults.
func NewAcknowledgeManager(askCooldown, retransmitCooldown time.Duration, logger *slog.Logger) *AcknowledgeManager {
	if askCooldown <= 0 {
		askCooldown = DefaultAskCooldown
	}
	if retransmitCooldown <= 0 {
		retransmitCooldown = DefaultRetransmitCooldown
	}
	return &AcknowledgeManager{
		awaitingReceived:   make(map[uint64]*receivedEntry),
		awaitingApproval:   make(map[uint64]*sentEntry),
		asked:              make(map[uint64]time.Time),
		askCooldown:        askCooldown,
		retransmitCooldown: retransmitCooldown,
		logger:             logger,
	}
}

// RegisterSent registra um pacote recém enviado, elegível para
// retransmissão até o peer confirmar com um acknowledge >= sequence.
func (am *AcknowledgeManager) RegisterSent(pkg protocol.ConnectedPackage) {
	now := time.Now()
	am.awaitingApproval[pkg.Sequence] = &sentEntry{
		pkg:       pkg,
		firstSent: now,
		nextSend:  now,
	}
}

// RegisterReceived registra um pacote recebido. Sequences já entregues
// (duplicatas ou stale) são ignoradas; inserções repetidas da mesma
// sequence são idempotentes.
func (am *AcknowledgeManager) RegisterReceived(pkg protocol.ConnectedPackage) {
	if pkg.Sequence <= am.lastDelivered {
		return
	}
	if _, exists := am.awaitingReceived[pkg.Sequence]; exists {
		return
	}
	am.awaitingReceived[pkg.Sequence] = &receivedEntry{
		pkg:       pkg,
		firstSeen: time.Now(),
	}
}

// ExtractAvailable devolve, em ordem de sequence, todos os pacotes
// entregáveis: a cadeia contígua que começa em lastDelivered+1. Para no
// primeiro gap. Os pacotes devolvidos são removidos da janela e
// lastDelivered avança.
func (am *AcknowledgeManager) ExtractAvailable() []protocol.ConnectedPackage {
	var result []protocol.ConnectedPackage

	for {
		next := am.lastDelivered + 1
		entry, ok := am.awaitingReceived[next]
		if !ok {
			break
		}
		result = append(result, entry.pkg)
		delete(am.awaitingReceived, next)
		delete(am.asked, next)
		am.lastDelivered = next
	}

	return result
}

// Approve remove da janela de envio todo pacote com sequence <= ack.
// O bound é inclusivo: um peer confirmando N afirma ter 1..N. Um ack
// menor que os já observados remove nada, preservando a monotonia.
func (am *AcknowledgeManager) Approve(ack uint64) {
	for seq := range am.awaitingApproval {
		if seq <= ack {
			delete(am.awaitingApproval, seq)
		}
	}
}

// Acknowledge retorna o cursor cumulativo de entrega.
func (am *AcknowledgeManager) Acknowledge() uint64 {
	return am.lastDelivered
}

// PendingApproval retorna quantos pacotes enviados aguardam confirmação.
func (am *AcknowledgeManager) PendingApproval() int {
	return len(am.awaitingApproval)
}

// Lost percorre os gaps da janela de recepção e devolve as sequences
// faltantes cujo último pedido é mais antigo que o ask cooldown,
// atualizando o registro de pedido. É a lista NACK que o próximo
// heartbeat carrega.
func (am *AcknowledgeManager) Lost() []uint64 {
	if len(am.awaitingReceived) == 0 {
		return nil
	}

	keys := make([]uint64, 0, len(am.awaitingReceived))
	for seq := range am.awaitingReceived {
		keys = append(keys, seq)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	now := time.Now()
	var result []uint64
	expected := am.lastDelivered + 1

	for _, present := range keys {
		for seq := expected; seq < present; seq++ {
			if last, asked := am.asked[seq]; asked && now.Sub(last) < am.askCooldown {
				continue
			}
			am.asked[seq] = now
			result = append(result, seq)
		}
		expected = present + 1
	}

	return result
}

// Resend devolve os bytes re-codificados dos pacotes pedidos pelo peer
// que ainda aguardam aprovação e já saíram do retransmit cooldown. O
// campo acknowledge de cada pacote é reescrito com o cursor atual antes
// da re-codificação. Sequences desconhecidas (já aprovadas ou nunca
// enviadas) são ignoradas com WARNING.
func (am *AcknowledgeManager) Resend(asked []uint64) [][]byte {
	now := time.Now()
	var result [][]byte

	for _, seq := range asked {
		entry, ok := am.awaitingApproval[seq]
		if !ok {
			if am.logger != nil {
				am.logger.Warn("retransmit requested for unknown package",
					"sequence", seq)
			}
			continue
		}
		if now.Before(entry.nextSend) {
			continue
		}
		entry.pkg.Acknowledge = am.lastDelivered
		entry.nextSend = now.Add(am.retransmitCooldown)
		result = append(result, protocol.EncodeConnectedPackage(entry.pkg))
	}

	return result
}

// Reset descarta o estado de recepção e move o cursor para a maior
// sequence vista, aceitando o stream do peer dali em diante. Usado
// apenas quando o peer pede explicitamente um reset de stream.
func (am *AcknowledgeManager) Reset() {
	var highest uint64
	for seq := range am.awaitingReceived {
		if seq > highest {
			highest = seq
		}
	}
	if highest > am.lastDelivered {
		am.lastDelivered = highest
	}
	am.awaitingReceived = make(map[uint64]*receivedEntry)
	am.asked = make(map[uint64]time.Time)
}

// ResetTo descarta o estado de recepção e posiciona o cursor na
// sequence informada.
func (am *AcknowledgeManager) ResetTo(sequence uint64) {
	am.lastDelivered = sequence
	am.awaitingReceived = make(map[uint64]*receivedEntry)
	am.asked = make(map[uint64]time.Time)
}

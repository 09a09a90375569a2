package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var satsPerBTC = decimal.NewFromInt(100_000_000)

// Title is the one-line headline for a notification kind.
func Title(kind Kind) string {
	switch kind {
	case KindManualApproval:
		return "Payment request received"
	case KindSuccess:
		return "Payment sent automatically"
	case KindFailure:
		return "Payment failed"
	case KindSubscriptionProposal:
		return "Subscription proposal"
	default:
		return "Notification"
	}
}

func renderMessage(note Notification) string {
	req := note.Request
	amount := FormatSats(req.AmountSats)
	peer := ShortPubkey(req.FromPeer)

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s]\n", Title(note.Kind)))
	switch note.Kind {
	case KindSuccess:
		builder.WriteString(fmt.Sprintf("Sent %s to %s\n", amount, peer))
	case KindFailure:
		builder.WriteString(fmt.Sprintf("Payment of %s to %s failed\n", amount, peer))
	case KindSubscriptionProposal:
		builder.WriteString(fmt.Sprintf("%s proposes a subscription of %s\n", peer, amount))
	default:
		builder.WriteString(fmt.Sprintf("%s requests %s\n", peer, amount))
	}
	builder.WriteString(fmt.Sprintf("Amount: %s BTC\n", SatsToBTC(req.AmountSats).StringFixed(8)))
	builder.WriteString(fmt.Sprintf("Request: %s\n", req.RequestID))
	if req.Description != "" {
		builder.WriteString(fmt.Sprintf("Memo: %s\n", req.Description))
	}
	if note.Detail != "" {
		builder.WriteString(fmt.Sprintf("Detail: %s\n", note.Detail))
	}
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC", at.UTC().Format(time.RFC3339)))
	return builder.String()
}

// ShortPubkey keeps the first and last six characters of long identifiers.
func ShortPubkey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:6] + "..." + key[len(key)-6:]
}

// FormatSats renders an amount with thousands separators, e.g. "21,000 sats".
func FormatSats(sats int64) string {
	return GroupThousands(sats) + " sats"
}

// GroupThousands inserts comma separators into n.
func GroupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return sign + b.String()
}

// SatsToBTC converts satoshis to a BTC decimal.
func SatsToBTC(sats int64) decimal.Decimal {
	return decimal.NewFromInt(sats).Div(satsPerBTC)
}

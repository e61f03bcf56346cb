package broadcast

import (
	"fmt"
	"html"

	"relaybot/internal/transport"
)

// Callback data prefixes understood by the command router.
const (
	CallbackClaim   = "bc:claim"
	CallbackUnclaim = "bc:unclaim"
	CallbackDone    = "bc:done"
)

const deadlineFormat = "2006-01-02 15:04 UTC"

// View is the canonical rendering of a request: message text plus the action
// buttons valid in its current state. It is a pure function of the record,
// so pushing the same view twice is always safe.
type View struct {
	Text    string
	Buttons []transport.Button
}

func (v View) SendOptions() *transport.SendOptions {
	return &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Buttons:        v.Buttons,
	}
}

// Render builds the view. Status priority: expired > done > claimed > open.
func Render(r Request) View {
	var status string
	switch {
	case r.Expired:
		status = "🔴 Status: expired"
	case r.Done:
		status = fmt.Sprintf("🟢 Status: done — %s", claimerName(r))
	case r.ClaimedBy != nil:
		status = fmt.Sprintf("🟡 Status: claimed — %s", claimerName(r))
	default:
		status = "🟢 Status: open"
	}

	text := fmt.Sprintf(
		"📣 <b>Request #%s</b>\n%s\n\n⏳ Valid until: <b>%s</b> (≈%d min)\n%s",
		r.ShortID(),
		html.EscapeString(r.Text),
		r.Deadline().UTC().Format(deadlineFormat),
		r.TTLMinutes,
		status,
	)

	return View{Text: text, Buttons: buttons(r)}
}

func buttons(r Request) []transport.Button {
	switch {
	case r.Terminal():
		return nil
	case r.ClaimedBy == nil:
		return []transport.Button{
			{Text: "✅ Claim", Data: CallbackClaim + ":" + r.ID},
		}
	default:
		return []transport.Button{
			{Text: "♻️ Unclaim", Data: CallbackUnclaim + ":" + r.ID},
			{Text: "✔️ Done", Data: CallbackDone + ":" + r.ID},
		}
	}
}

func claimerName(r Request) string {
	if r.ClaimedBy == nil {
		return "?"
	}
	return html.EscapeString(r.ClaimedBy.Name)
}

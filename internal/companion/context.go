package companion

import (
	"context"
	"sort"
	"strconv"
	"time"

	"askbotgo/internal/models"
)

// excerptLimit caps the quoted client message inside rendered suggestions.
const excerptLimit = 200

// HistoryAPI is the slice of the chat client the assembler needs.
type HistoryAPI interface {
	GetDialogMessages(ctx context.Context, dialogID string, limit int, sort string) ([]models.Message, error)
}

// Assembler fetches recent dialog history in a stable chronological order.
type Assembler struct {
	api HistoryAPI
}

func NewAssembler(api HistoryAPI) *Assembler {
	return &Assembler{api: api}
}

// RecentHistory returns up to limit most recent messages, oldest first. The
// backend is asked to sort, but the result is re-sorted locally because
// legacy deployments ignore the sort parameter.
func (a *Assembler) RecentHistory(ctx context.Context, dialogID string, limit int) ([]models.Message, error) {
	messages, err := a.api.GetDialogMessages(ctx, dialogID, limit, `{"createdAt":-1}`)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return NormalizeTimestamp(messages[i].When()).Before(NormalizeTimestamp(messages[j].When()))
	})
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// NormalizeTimestamp maps the timestamp shapes seen on the wire to a
// time.Time. Numbers above 1e12 are unix milliseconds, below are seconds.
// Strings are tried as a number first, then as a date. Unparseable values
// map to the zero time so they sort first instead of failing.
func NormalizeTimestamp(v any) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t
	case float64:
		return fromUnix(t)
	case int64:
		return fromUnix(float64(t))
	case int:
		return fromUnix(float64(t))
	case string:
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return fromUnix(n)
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse("2006-01-02T15:04:05.999Z0700", t); err == nil {
			return parsed
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

func fromUnix(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	return time.Unix(int64(n), 0)
}

// Excerpt trims text to at most excerptLimit characters, appending an
// ellipsis when truncated. Counts runes, not bytes.
func Excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit]) + "..."
}

package health

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var defaultMessages = map[State]map[Reason]string{
	Green: {
		ReasonOK: "The component is healthy",
	},
	Amber: {
		ReasonStreamBacklog:     "%s messages are waiting outside the send window of stream %s",
		ReasonGapDetected:       "Stream %s is waiting for %s missing messages",
		ReasonFlushPending:      "Flush of stream %s has been requested and is not completed",
		ReasonIndoubtMessages:   "Stream %s holds %s indoubt messages",
		ReasonRequestsExpired:   "%s remote get requests on %s expired without a message",
		ReasonRemoteUnreachable: "Messaging engine %s has not been reachable recently",
	},
	Red: {
		ReasonRemoteUnreachable: "Messaging engine %s is unreachable",
		ReasonStoreUnavailable:  "Message store is unavailable: %s",
		ReasonStreamBlocked:     "Stream %s is blocked: %s",
	},
}

// Catalog keeps the texts of health reasons.
type Catalog struct {
	tag     language.Tag
	builder *catalog.Builder
	printer *message.Printer
	keys    map[string]struct{}
}

// NewCatalog creates catalog with default English texts.
func NewCatalog() *Catalog {
	c := newCatalog(language.English)
	for state, reasons := range defaultMessages {
		for reason, text := range reasons {
			if err := c.Set(state, reason, text); err != nil {
				panic(err)
			}
		}
	}
	return c
}

func newCatalog(tag language.Tag) *Catalog {
	b := catalog.NewBuilder(catalog.Fallback(tag))
	return &Catalog{
		tag:     tag,
		builder: b,
		printer: message.NewPrinter(tag, message.Catalog(b)),
		keys:    map[string]struct{}{},
	}
}

// Set sets the text of the state and reason. Text uses %s verbs for inserts.
func (c *Catalog) Set(state State, reason Reason, text string) error {
	k := key(state, reason)
	if err := c.builder.SetString(c.tag, k, text); err != nil {
		return errors.WithStack(err)
	}
	c.keys[k] = struct{}{}
	return nil
}

// Text returns the text of health. It returns false if there is no entry for the state and reason.
func (c *Catalog) Text(h Health) (string, bool) {
	k := key(h.State, h.Reason)
	if _, exists := c.keys[k]; !exists {
		return "", false
	}
	args := make([]any, 0, len(h.Inserts))
	for _, i := range h.Inserts {
		args = append(args, i)
	}
	return c.printer.Sprintf(k, args...), true
}

func key(state State, reason Reason) string {
	return fmt.Sprintf("health.%s.%d", state, reason)
}

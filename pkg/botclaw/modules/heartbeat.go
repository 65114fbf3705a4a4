package modules

import (
	"errors"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
)

// Poke-back delay window.
const (
	pokeDelayMin    = 10 * time.Millisecond
	pokeDelaySpread = 780 * time.Millisecond
)

// heartbeat pokes back a user who poked the bot, after a short random
// delay.
func (b *Builtins) heartbeat(c *agent.Context, _ *agent.Match) error {
	ev := c.Event
	if ev.NoticeType != "notify" || ev.SubType != "poke" || ev.SelfID == "" || ev.TargetID != ev.SelfID {
		return nil
	}
	delay := pokeDelayMin + time.Duration(b.intn(int(pokeDelaySpread/time.Millisecond)+1))*time.Millisecond
	if err := b.sleep(c.Context(), delay); err != nil {
		return nil
	}
	if err := c.Poke(); err != nil && !errors.Is(err, channels.ErrPokeNotSupported) {
		return err
	}
	return nil
}

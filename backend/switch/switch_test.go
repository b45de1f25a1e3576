package _switch

import (
	"testing"
	"time"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/model/modeltest"
	"github.com/adwski/signal-relay/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type onlyResolver struct {
	ids []string
}

func (r onlyResolver) ResolveAudience(string, []string) []string {
	return r.ids
}

func newTestSwitch(t *testing.T, audience AudienceResolver, ids ...string) (*Switch, map[string]*modeltest.Endpoint) {
	t.Helper()
	logger := zerolog.Nop()
	reg := memory.NewRegistry()
	eps := make(map[string]*modeltest.Endpoint)
	for _, id := range ids {
		ep := modeltest.NewEndpoint(id)
		eps[id] = ep
		reg.Register(id, ep)
	}
	return NewSwitch(Config{Logger: &logger, Registry: reg, Audience: audience}), eps
}

func statusFrame(id, status string) model.UserStatusChange {
	return model.UserStatusChange{
		Header: model.NewHeader(model.TypeUserStatusChange, time.Now()),
		UserID: id,
		Status: status,
	}
}

func TestSwitch_Forward(t *testing.T) {
	sw, eps := newTestSwitch(t, nil, "alice", "bob")

	ok := sw.Forward("bob", model.CallEnded{Header: model.NewHeader(model.TypeCallEnded, time.Now()), EnderID: "alice"})
	require.True(t, ok)
	assert.Equal(t, []string{model.TypeCallEnded}, eps["bob"].Types())
	assert.Equal(t, "alice", eps["bob"].Last()["enderId"])
	assert.Empty(t, eps["alice"].Types())

	assert.False(t, sw.Forward("carol", statusFrame("alice", "busy")))

	eps["bob"].Drop()
	assert.False(t, sw.Forward("bob", statusFrame("alice", "busy")))
}

func TestSwitch_BroadcastSkipsSenderAndClosed(t *testing.T) {
	sw, eps := newTestSwitch(t, nil, "alice", "bob", "carol")
	eps["carol"].Drop()

	n := sw.Broadcast("alice", statusFrame("alice", model.StatusOnline))
	assert.Equal(t, 1, n)
	assert.Empty(t, eps["alice"].Types())
	assert.Equal(t, []string{model.TypeUserStatusChange}, eps["bob"].Types())
	assert.Empty(t, eps["carol"].Types())
}

func TestSwitch_BroadcastUsesResolver(t *testing.T) {
	sw, eps := newTestSwitch(t, onlyResolver{ids: []string{"carol", "alice", "ghost"}}, "alice", "bob", "carol")

	n := sw.Broadcast("alice", statusFrame("alice", "away"))
	assert.Equal(t, 1, n)
	assert.Empty(t, eps["bob"].Types())
	assert.Equal(t, "away", eps["carol"].Last()["status"])
	assert.Empty(t, eps["alice"].Types(), "resolver returning the subject must not echo")
}

func TestSwitch_Reply(t *testing.T) {
	sw, _ := newTestSwitch(t, nil)
	unregistered := modeltest.NewEndpoint("ghost")

	assert.True(t, sw.Reply(unregistered, model.Pong{Header: model.NewHeader(model.TypePong, time.Now())}))
	assert.Equal(t, []string{model.TypePong}, unregistered.Types())
}

func TestSwitch_Each(t *testing.T) {
	sw, eps := newTestSwitch(t, nil, "alice", "bob", "carol")
	eps["carol"].Drop()

	var visited []string
	sw.Each(model.ServerShutdown{Header: model.NewHeader(model.TypeServerShutdown, time.Now())}, func(ep model.Endpoint) {
		visited = append(visited, ep.ID())
	})
	assert.ElementsMatch(t, []string{"alice", "bob"}, visited)
	assert.Equal(t, []string{model.TypeServerShutdown}, eps["alice"].Types())
	assert.Empty(t, eps["carol"].Types())
}

func TestEveryoneElse(t *testing.T) {
	got := EveryoneElse{}.ResolveAudience("b", []string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "c"}, got)
}

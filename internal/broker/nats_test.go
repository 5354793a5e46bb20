package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valeconecta/internal/domain"
)

type captured struct {
	subject string
	data    []byte
}

type fakeConn struct{ msgs []captured }

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.msgs = append(f.msgs, captured{subject, data})
	return nil
}

func TestPublishUsesTypedSubject(t *testing.T) {
	conn := &fakeConn{}
	p := &Publisher{Conn: conn}
	evt := domain.Event{ID: 7, Type: "task.transitioned", EntityKind: "task", EntityID: "t1", Payload: `{"from":"scheduled","to":"in_progress"}`}
	require.NoError(t, p.Publish(context.Background(), evt))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "valeconecta.events.task.transitioned", conn.msgs[0].subject)
	var got domain.Event
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, evt, got)

	p.Prefix = "staging.events"
	assert.Equal(t, "staging.events.escrow.held", p.Subject("escrow.held"))
}

func TestPublishRespectsCancelledContext(t *testing.T) {
	conn := &fakeConn{}
	p := &Publisher{Conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Publish(ctx, domain.Event{Type: "task.created"}))
	assert.Empty(t, conn.msgs)
	assert.NoError(t, p.Close())
}

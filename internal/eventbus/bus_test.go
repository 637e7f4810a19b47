package eventbus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/toolfabric/internal/types"
)

// fakeToken is an already-completed mqtt.Token for tests.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	published []publishedMsg
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := payload.([]byte)
	c.published = append(c.published, publishedMsg{topic: topic, payload: data})
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) messages() []publishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishedMsg, len(c.published))
	copy(out, c.published)
	return out
}

func newTestBus(t *testing.T) (*Bus, *fakeClient) {
	client := &fakeClient{}
	b := NewWithClient(nil, func(opts *mqtt.ClientOptions) Client { return client })
	if err := b.Connect("tcp://broker.example:1883", "test-client"); err != nil {
		t.Fatal(err)
	}
	return b, client
}

func TestPublishToolResultPublishesToDeviceTopic(t *testing.T) {
	b, client := newTestBus(t)
	b.PublishToolResult("device-1", types.ToolResult{ID: "call-1", Status: types.StatusSuccess, Output: "ok"})

	deadline := time.After(time.Second)
	for {
		msgs := client.messages()
		if len(msgs) == 1 {
			if msgs[0].topic != "toolfabric/devices/device-1/tool_result" {
				t.Fatalf("unexpected topic: %s", msgs[0].topic)
			}
			var result types.ToolResult
			if err := json.Unmarshal(msgs[0].payload, &result); err != nil {
				t.Fatal(err)
			}
			if result.ID != "call-1" {
				t.Fatalf("unexpected payload: %+v", result)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no message published")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPublishAuthzDecisionSkipsAllowedDecisions(t *testing.T) {
	b, client := newTestBus(t)
	b.PublishAuthzDecision("echo", types.RoleAIAgent, types.AuthorizationDecision{Allowed: true})

	time.Sleep(20 * time.Millisecond)
	if len(client.messages()) != 0 {
		t.Fatal("expected no publish for an allowed decision")
	}
}

func TestPublishAuthzDecisionPublishesDenials(t *testing.T) {
	b, client := newTestBus(t)
	b.PublishAuthzDecision("reboot", types.RoleAIAgent, types.AuthorizationDecision{Allowed: false, Reason: "insufficient role"})

	deadline := time.After(time.Second)
	for {
		if len(client.messages()) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected a publish for a denied decision")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPublishNoOpWhenNotConnected(t *testing.T) {
	client := &fakeClient{}
	b := NewWithClient(nil, func(opts *mqtt.ClientOptions) Client { return client })
	// Deliberately skip Connect.
	b.PublishToolResult("device-1", types.ToolResult{ID: "x"})
	time.Sleep(10 * time.Millisecond)
	if len(client.messages()) != 0 {
		t.Fatal("expected no publish before Connect")
	}
}

package kdbus

import (
	"fmt"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/kdbusd/config"
	"github.com/ehrlich-b/kdbusd/internal/meta"
)

// newTestBus creates a bus named after the calling process's uid (the
// only name validBusName accepts) on a fresh test domain.
func newTestBus(t *testing.T, name string) (*Domain, *Bus) {
	t.Helper()
	d := NewDomain(config.Defaults())
	uid := uint32(unix.Getuid())
	fullName := strconv.FormatUint(uint64(uid), 10) + "-" + name
	m, err := meta.Collect(0)
	if err != nil {
		t.Fatalf("meta.Collect: %v", err)
	}
	b, err := d.CreateBus(fullName, uid, config.BloomParams{}, m)
	if err != nil {
		t.Fatalf("CreateBus: %v", err)
	}
	return d, b
}

// testConnect runs Hello on bus's default endpoint with sensible
// defaults, returning the live connection.
func testConnect(t *testing.T, b *Bus, role Role, name string) *Connection {
	t.Helper()
	conn, _, err := b.DefaultEndpoint().Hello(HelloRequest{
		Role:        role,
		AttachFlags: meta.AttachAll,
		AcceptFDs:   true,
		Name:        name,
		Description: fmt.Sprintf("test-conn-%s", name),
	})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	return conn
}

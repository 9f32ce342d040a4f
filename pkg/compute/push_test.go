package compute

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestNATSPushListenJob(t *testing.T) {
	nc := startNATS(t)
	p := NewNATSPush(nc, "", nil)
	if !p.Connected() {
		t.Fatal("expected connected")
	}
	if got := p.Subject("job.1"); got != "compute.jobs.job_1" {
		t.Fatalf("subject = %q", got)
	}

	got := make(chan JobUpdate, 4)
	stop, err := p.ListenJob("job.1", func(u JobUpdate) { got <- u })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	nc.Publish(p.Subject("job.1"), []byte(`{"status":"bogus"}`))
	nc.Publish(p.Subject("job.1"), []byte(`{"task_id":"t1","status":"completed","embedding":[1,2]}`))
	nc.Flush()

	select {
	case u := <-got:
		if u.JobID != "job.1" || len(u.Tasks) != 1 || u.Tasks[0].TaskID != "t1" {
			t.Fatalf("update = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	stop()
	stop()
	nc.Publish(p.Subject("job.1"), []byte(`{"task_id":"t2","status":"pending"}`))
	nc.Flush()
	select {
	case u := <-got:
		t.Fatalf("update after stop: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSPushNoConnection(t *testing.T) {
	p := NewNATSPush(nil, "x", nil)
	if p.Connected() {
		t.Fatal("nil connection reported connected")
	}
	if _, err := p.ListenJob("j", func(JobUpdate) {}); err == nil {
		t.Fatal("expected error")
	}
}

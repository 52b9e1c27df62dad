package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestratord/internal/containerdriver"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
	"github.com/krinkuto11/acestream-orchestratord/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestratord/internal/variant"
)

type fakeVPNs struct{}

func (fakeVPNs) Eligible() []string                     { return nil }
func (fakeVPNs) ForwardedPort(vpn string) (int, bool)   { return 0, false }

type countingPorts struct{ n int }

func (c *countingPorts) Reserve(vpn string) (int, error)          { c.n++; return c.n, nil }
func (c *countingPorts) ReserveSpecific(vpn string, port int) error { return nil }
func (c *countingPorts) Release(vpn string, port int)             {}
func (c *countingPorts) TotalInUse() int                          { return 0 }

type countingDriver struct{ created int; stopped []string }

func (d *countingDriver) CreateAndStart(ctx context.Context, spec containerdriver.Spec) (string, error) {
	d.created++
	return "c" + string(rune('0'+d.created)), nil
}
func (d *countingDriver) Stop(ctx context.Context, id string, timeout time.Duration) error {
	d.stopped = append(d.stopped, id)
	return nil
}

func TestRunProvisionsToMinReplicas(t *testing.T) {
	store := enginestore.New()
	reg := variant.NewRegistry()
	reg.RegisterDefaults()
	driver := &countingDriver{}
	prov := provisioner.New(provisioner.Config{VPNMode: "none", HTTPContainerPort: 6878}, fakeVPNs{}, &countingPorts{}, store, driver, reg, nil, nil, nil)

	a := New(Config{MinReplicas: 3, MaxStreamsPerEngine: 5}, store, prov, driver, nil, nil)
	a.Run(context.Background())

	if len(store.ListEngines()) != 3 {
		t.Fatalf("expected 3 engines provisioned, got %d", len(store.ListEngines()))
	}
}

func TestGCReapsIdleBeyondMin(t *testing.T) {
	store := enginestore.New()
	reg := variant.NewRegistry()
	reg.RegisterDefaults()
	driver := &countingDriver{}
	prov := provisioner.New(provisioner.Config{VPNMode: "none", HTTPContainerPort: 6878}, fakeVPNs{}, &countingPorts{}, store, driver, reg, nil, nil, nil)

	for i := 0; i < 3; i++ {
		if err := store.RegisterEngine(enginestore.Engine{
			ContainerID:      "e" + string(rune('0'+i)),
			LastStreamUsage:  time.Now().Add(-time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	a := New(Config{MinReplicas: 1, MaxStreamsPerEngine: 5, GracePeriod: time.Minute, AutoDelete: true}, store, prov, driver, nil, nil)
	a.Run(context.Background())

	if len(store.ListEngines()) != 1 {
		t.Fatalf("expected gc to leave exactly MinReplicas=1 engine, got %d", len(store.ListEngines()))
	}
	if len(driver.stopped) != 2 {
		t.Fatalf("expected 2 containers stopped, got %d", len(driver.stopped))
	}
}

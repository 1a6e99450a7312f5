package status

import (
	"sync"
	"testing"

	"github.com/MrSnakeDoc/tend/internal/health"
)

func TestRegistryUpdateAndGet(t *testing.T) {
	r := NewRegistry()
	r.Update(Service{Service: "redis", State: "running"})

	got, ok := r.Get("redis")
	if !ok || got.State != "running" {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}
	if got.Health != nil {
		t.Error("no health result should be reported before the first check")
	}

	r.Cell("redis").Set(health.Result{Status: health.Warning})
	got, _ = r.Get("redis")
	if got.Health == nil || got.Health.Status != health.Warning {
		t.Errorf("Health = %+v", got.Health)
	}
}

func TestRegistryCellSurvivesUpdate(t *testing.T) {
	r := NewRegistry()
	cell := r.Cell("redis")
	r.Update(Service{Service: "redis", State: "initializing"})
	if r.Cell("redis") != cell {
		t.Error("Update() must keep the health cell")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Update(Service{Service: "redis"})
	r.Cell("redis").Set(health.Result{Status: health.Ok})
	r.SetConfig("redis", map[string]any{"port": 1})
	r.Remove("redis")

	if _, ok := r.Get("redis"); ok {
		t.Error("service should be gone")
	}
	if _, ok := r.Health("redis"); ok {
		t.Error("health result should be gone")
	}
	if _, ok := r.Config("redis"); ok {
		t.Error("config should be gone")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"nginx", "app", "redis"} {
		r.Update(Service{Service: n})
	}
	list := r.List()
	if len(list) != 3 || list[0].Service != "app" || list[2].Service != "redis" {
		t.Errorf("List() = %+v", list)
	}
}

func TestRegistryConcurrentReadersAndWriter(t *testing.T) {
	r := NewRegistry()
	cell := r.Cell("redis")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			cell.Set(health.Result{Status: health.Status(i % 4)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Update(Service{Service: "redis", Pid: i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = r.List()
			_, _ = r.Get("redis")
		}
	}()
	wg.Wait()
}

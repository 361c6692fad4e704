// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coord

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

func TestNewRequiresEndpoints(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without endpoints")
	}
}

func TestInvalidationRoundTrip(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)

	publisher := newTestCoordinator(t, endpoints)
	watcher := newTestCoordinator(t, endpoints)

	got := make(chan Invalidation, 4)
	watcher.WatchInvalidations(func(inv Invalidation) { got <- inv })
	// Watches only see events after they are established.
	time.Sleep(200 * time.Millisecond)

	ctx := context.Background()
	if err := publisher.PublishInvalidation(ctx, Invalidation{Descriptor: "in-orders-csv", Origin: "gw-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case inv := <-got:
		if inv.Descriptor != "in-orders-csv" || inv.Origin != "gw-1" || inv.IssuedAt == 0 {
			t.Fatalf("unexpected invalidation %+v", inv)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalidation not delivered")
	}
}

func TestRegisterAndListInstances(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)

	ctx := context.Background()
	a := newTestCoordinator(t, endpoints)
	b, err := New(Config{Endpoints: endpoints, KeyPrefix: "portal-test"})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := a.Register(ctx, Instance{ID: "gw-b", Address: "10.0.0.2:8080"}); err != nil {
		t.Fatalf("register gw-b: %v", err)
	}
	if err := b.Register(ctx, Instance{ID: "gw-a", Address: "10.0.0.1:8080"}); err != nil {
		t.Fatalf("register gw-a: %v", err)
	}

	instances, err := a.Instances(ctx)
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(instances) != 2 || instances[0].ID != "gw-a" || instances[1].ID != "gw-b" {
		t.Fatalf("unexpected instances %+v", instances)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	instances, err = a.Instances(ctx)
	if err != nil {
		t.Fatalf("instances after close: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "gw-b" {
		t.Fatalf("lease not revoked on close: %+v", instances)
	}
}

func TestRegisterRequiresID(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)
	c := newTestCoordinator(t, endpoints)
	if err := c.Register(context.Background(), Instance{}); err == nil {
		t.Fatal("expected error without id")
	}
}

func newTestCoordinator(t *testing.T, endpoints []string) *Coordinator {
	t.Helper()
	c, err := New(Config{Endpoints: endpoints, KeyPrefix: "portal-test"})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startEmbeddedEtcd(t *testing.T) []string {
	t.Helper()
	for _, addr := range []string{"127.0.0.1:42379", "127.0.0.1:42380"} {
		if err := portAvailable(addr); err != nil {
			t.Skipf("skipping embedded etcd test: %v", err)
		}
	}
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	cfg.Logger = "zap"
	setEtcdPorts(t, cfg, "42379", "42380")

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping embedded etcd test: %v", err)
		}
		t.Fatalf("start embedded etcd: %v", err)
	}
	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		e.Server.Stop()
		t.Fatalf("etcd server took too long to start")
	}
	t.Cleanup(e.Close)
	clientURL := e.Clients[0].Addr().String()
	return []string{fmt.Sprintf("http://%s", clientURL)}
}

func setEtcdPorts(t *testing.T, cfg *embed.Config, clientPort, peerPort string) {
	t.Helper()
	clientURL, err := url.Parse("http://127.0.0.1:" + clientPort)
	if err != nil {
		t.Fatalf("parse client url: %v", err)
	}
	peerURL, err := url.Parse("http://127.0.0.1:" + peerPort)
	if err != nil {
		t.Fatalf("parse peer url: %v", err)
	}
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.Name = "default"
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
}

func portAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %s already in use", addr)
	}
	_ = ln.Close()
	return nil
}

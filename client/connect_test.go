package client

import (
	"errors"
	"mqauth/broker"
	"mqauth/loadbalance"
	"mqauth/registry"
	"testing"
)

func TestConnectFallsBack(t *testing.T) {
	mem := broker.NewMemory(nil)
	reg := registry.NewStaticRegistry("broker",
		registry.BrokerNode{Name: "down", URL: "amqp://down/"},
		registry.BrokerNode{Name: "up", URL: "amqp://up/"},
	)
	var dialed []string
	dial := func(url string) (broker.Connection, error) {
		dialed = append(dialed, url)
		if url == "amqp://down/" {
			return nil, errors.New("connection refused")
		}
		return mem.Dial(), nil
	}

	conn, node, err := Connect(reg, &loadbalance.RoundRobinBalancer{}, "broker", dial, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if node.Name != "up" {
		t.Fatalf("expect fallback to up, got %s", node.Name)
	}
	if len(dialed) != 2 || dialed[0] != "amqp://down/" {
		t.Fatalf("expect the picked node tried first, got %v", dialed)
	}
}

func TestConnectAllDown(t *testing.T) {
	reg := registry.NewStaticRegistry("broker",
		registry.BrokerNode{Name: "a", URL: "amqp://a/"},
		registry.BrokerNode{Name: "b", URL: "amqp://b/"},
	)
	dial := func(string) (broker.Connection, error) { return nil, errors.New("refused") }

	_, _, err := Connect(reg, &loadbalance.WeightedRandomBalancer{}, "broker", dial, nil)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expect ErrConnection, got %v", err)
	}
}

func TestConnectNoNodes(t *testing.T) {
	reg := registry.NewStaticRegistry("broker")
	_, _, err := Connect(reg, &loadbalance.RoundRobinBalancer{}, "broker", nil, nil)
	if !errors.Is(err, loadbalance.ErrNoNodes) {
		t.Fatalf("expect ErrNoNodes, got %v", err)
	}
}

// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Mock mqtt client that records published topics and can be used for
// testing. Publishers may run on their own goroutines, so access is
// guarded.
type MockClient struct {
	mu              sync.Mutex
	publishedTopics []string
}

func (m *MockClient) Publish(topic string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedTopics = append(m.publishedTopics, topic)
}

// The topics published so far.
func (m *MockClient) PublishedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.publishedTopics...)
}

func (m *MockClient) Connect() error {
	return nil
}

func (m *MockClient) Disconnect() {
	// Do nothing
}

func (m *MockClient) Subscribe(topic string, callback pahomqtt.MessageHandler) error {
	return nil
}

package natsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	assert.NotNil(t, client)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

// Circuit breaker opens after the failure threshold is crossed.
func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	assert.NoError(t, err)

	// Four failures are still below the threshold
	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	// The fifth opens the circuit
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	// Initial backoff is one second
	assert.Equal(t, time.Second, client.Backoff())

	// Each circuit trip doubles it
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	// Capped at one minute
	for i := 0; i < 20; i++ {
		for j := 0; j < 5; j++ {
			client.recordFailure()
		}
	}
	assert.LessOrEqual(t, client.Backoff(), time.Minute)
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		name           string
		initialStatus  ConnectionStatus
		action         func(*Client)
		expectedStatus ConnectionStatus
	}{
		{
			name:          "disconnected to connecting",
			initialStatus: StatusDisconnected,
			action: func(c *Client) {
				c.setStatus(StatusConnecting)
			},
			expectedStatus: StatusConnecting,
		},
		{
			name:          "connecting to connected",
			initialStatus: StatusConnecting,
			action: func(c *Client) {
				c.setStatus(StatusConnected)
			},
			expectedStatus: StatusConnected,
		},
		{
			name:          "connected to reconnecting",
			initialStatus: StatusConnected,
			action: func(c *Client) {
				c.setStatus(StatusReconnecting)
			},
			expectedStatus: StatusReconnecting,
		},
		{
			name:          "any to circuit open",
			initialStatus: StatusConnected,
			action: func(c *Client) {
				for i := 0; i < 5; i++ {
					c.recordFailure()
				}
			},
			expectedStatus: StatusCircuitOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			assert.NoError(t, err)
			client.setStatus(tt.initialStatus)

			tt.action(client)

			assert.Equal(t, tt.expectedStatus, client.Status())
		})
	}
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	var wg sync.WaitGroup
	iterations := 100

	// Concurrent status updates
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			client.setStatus(StatusConnecting)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			client.setStatus(StatusConnected)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_ = client.Status()
		}
	}()

	// Concurrent failure recording
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			client.recordFailure()
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			client.resetCircuit()
		}
	}()

	wg.Wait()

	// No panic, and the status must still be one of the known states
	status := client.Status()
	assert.Contains(t, []ConnectionStatus{
		StatusDisconnected,
		StatusConnecting,
		StatusConnected,
		StatusReconnecting,
		StatusCircuitOpen,
	}, status)
}

func TestIsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		status   ConnectionStatus
		expected bool
	}{
		{"connected is healthy", StatusConnected, true},
		{"disconnected is not healthy", StatusDisconnected, false},
		{"connecting is not healthy", StatusConnecting, false},
		{"reconnecting is not healthy", StatusReconnecting, false},
		{"circuit open is not healthy", StatusCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			assert.NoError(t, err)
			client.setStatus(tt.status)
			assert.Equal(t, tt.expected, client.IsHealthy())
		})
	}
}

func TestWaitForConnection(t *testing.T) {
	t.Run("times out when not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		assert.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("returns immediately when connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		assert.NoError(t, err)
		client.setStatus(StatusConnected)

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		start := time.Now()
		err = client.WaitForConnection(ctx)
		elapsed := time.Since(start)

		assert.NoError(t, err)
		assert.Less(t, elapsed, 100*time.Millisecond)
	})

	t.Run("returns when becomes connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		assert.NoError(t, err)

		// Connection arrives after a delay
		go func() {
			time.Sleep(50 * time.Millisecond)
			client.setStatus(StatusConnected)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		assert.NoError(t, err)
		assert.Equal(t, StatusConnected, client.Status())
	})
}

// KV bucket operations back the push subscription registry; they must fail
// fast when the connection is down rather than hang.
func TestKeyValueBuckets(t *testing.T) {
	t.Run("operations return error when not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		assert.NoError(t, err)
		ctx := context.Background()

		cfg := jetstream.KeyValueConfig{Bucket: "quoalise-subscriptions"}
		_, err = client.CreateKeyValueBucket(ctx, cfg)
		assert.Equal(t, ErrNotConnected, err)

		_, err = client.GetKeyValueBucket(ctx, "quoalise-subscriptions")
		assert.Equal(t, ErrNotConnected, err)

		err = client.DeleteKeyValueBucket(ctx, "quoalise-subscriptions")
		assert.Equal(t, ErrNotConnected, err)

		_, err = client.ListKeyValueBuckets(ctx)
		assert.Equal(t, ErrNotConnected, err)
	})

	t.Run("operations return error when circuit open", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		assert.NoError(t, err)

		for i := 0; i < 5; i++ {
			client.recordFailure()
		}
		assert.Equal(t, StatusCircuitOpen, client.Status())

		ctx := context.Background()
		cfg := jetstream.KeyValueConfig{Bucket: "quoalise-subscriptions"}

		_, err = client.CreateKeyValueBucket(ctx, cfg)
		assert.Equal(t, ErrCircuitOpen, err)

		_, err = client.GetKeyValueBucket(ctx, "quoalise-subscriptions")
		assert.Equal(t, ErrCircuitOpen, err)

		err = client.DeleteKeyValueBucket(ctx, "quoalise-subscriptions")
		assert.Equal(t, ErrCircuitOpen, err)

		_, err = client.ListKeyValueBuckets(ctx)
		assert.Equal(t, ErrCircuitOpen, err)
	})

	t.Run("operations work with real KV server", func(t *testing.T) {
		if testing.Short() {
			t.Skip("Skipping integration test in short mode")
		}

		ctx := context.Background()
		natsContainer, natsURL := startTestNATSContainerWithJS(ctx, t)
		defer natsContainer.Terminate(ctx)

		client, err := NewClient(natsURL,
			WithMaxReconnects(0), // No reconnects in tests
		)
		require.NoError(t, err)

		err = client.Connect(ctx)
		require.NoError(t, err)
		defer client.Close(ctx)

		cfg := jetstream.KeyValueConfig{Bucket: "quoalise-subscriptions"}

		kv, err := client.CreateKeyValueBucket(ctx, cfg)
		require.NoError(t, err)
		require.NotNil(t, kv)

		registry := []byte(`[{"requester":"alice@meters.example","device_id":"meter-42"}]`)
		_, err = kv.Put(ctx, "registry", registry)
		require.NoError(t, err)

		entry, err := kv.Get(ctx, "registry")
		require.NoError(t, err)
		assert.Equal(t, registry, entry.Value())

		// Get bucket by name
		retrievedKV, err := client.GetKeyValueBucket(ctx, "quoalise-subscriptions")
		require.NoError(t, err)
		require.NotNil(t, retrievedKV)

		// Data survives the second handle
		entry2, err := retrievedKV.Get(ctx, "registry")
		require.NoError(t, err)
		assert.Equal(t, registry, entry2.Value())

		buckets, err := client.ListKeyValueBuckets(ctx)
		require.NoError(t, err)

		found := false
		for _, bucketName := range buckets {
			if bucketName == "quoalise-subscriptions" {
				found = true
				break
			}
		}
		assert.True(t, found, "registry bucket should appear in the listing")

		err = client.DeleteKeyValueBucket(ctx, "quoalise-subscriptions")
		require.NoError(t, err)

		_, err = client.GetKeyValueBucket(ctx, "quoalise-subscriptions")
		assert.Error(t, err) // Gone after deletion
	})
}

func TestContextAwareMethods(t *testing.T) {
	t.Run("with invalid host", func(t *testing.T) {
		client, err := NewClient("nats://invalid-host:4222")
		assert.NoError(t, err)

		ctx := context.Background()

		// No server behind this URL, Connect must fail
		err = client.Connect(ctx)
		assert.Error(t, err)

		// Close succeeds even when never connected
		err = client.Close(ctx)
		assert.NoError(t, err)

		err = client.Publish(ctx, "quoalise.agent.sandbox.command", []byte(`{"kind":"prompt"}`))
		assert.Equal(t, ErrNotConnected, err)

		err = client.Subscribe(ctx, "quoalise.agent.sandbox.command", func(_ context.Context, _ []byte) {})
		assert.Equal(t, ErrNotConnected, err)
	})

	t.Run("with real NATS server", func(t *testing.T) {
		if testing.Short() {
			t.Skip("Skipping integration test in short mode")
		}

		ctx := context.Background()
		natsContainer, natsURL := startTestNATSContainer(ctx, t)
		defer natsContainer.Terminate(ctx)

		client, err := NewClient(natsURL,
			WithMaxReconnects(0), // No reconnects in tests
		)
		require.NoError(t, err)

		err = client.Connect(ctx)
		require.NoError(t, err)
		defer client.Close(ctx)

		assert.True(t, client.IsHealthy())

		err = client.Publish(ctx, "quoalise.agent.sandbox.command", []byte(`{"kind":"prompt"}`))
		assert.NoError(t, err)

		// Round-trip a command through a subscription
		received := make(chan []byte, 1)
		err = client.Subscribe(ctx, "quoalise.agent.enedis.command", func(_ context.Context, data []byte) {
			received <- data
		})
		assert.NoError(t, err)

		err = client.Publish(ctx, "quoalise.agent.enedis.command", []byte(`{"kind":"submit"}`))
		assert.NoError(t, err)

		select {
		case data := <-received:
			assert.Equal(t, []byte(`{"kind":"submit"}`), data)
		case <-time.After(1 * time.Second):
			t.Fatal("Message not received")
		}
	})
}

// JetStream carries the push data stream (QUOALISE_DATA over quoalise.data.>).
func TestJetStreamMethods(t *testing.T) {
	t.Run("when not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		assert.NoError(t, err)
		ctx := context.Background()

		cfg := jetstream.StreamConfig{Name: "QUOALISE_DATA", Subjects: []string{"quoalise.data.>"}}
		_, err = client.CreateStream(ctx, cfg)
		assert.Equal(t, ErrNotConnected, err)

		_, err = client.GetStream(ctx, "QUOALISE_DATA")
		assert.Equal(t, ErrNotConnected, err)

		err = client.PublishToStream(ctx, "quoalise.data.sandbox.meter-42", []byte("data"))
		assert.Equal(t, ErrNotConnected, err)

		err = client.ConsumeStream(ctx, "QUOALISE_DATA", "quoalise.data.>", func([]byte) {})
		assert.Equal(t, ErrNotConnected, err)
	})

	t.Run("with real JetStream server", func(t *testing.T) {
		if testing.Short() {
			t.Skip("Skipping integration test in short mode")
		}

		ctx := context.Background()
		natsContainer, natsURL := startTestNATSContainerWithJS(ctx, t)
		defer natsContainer.Terminate(ctx)

		client, err := NewClient(natsURL,
			WithMaxReconnects(0), // No reconnects in tests
		)
		require.NoError(t, err)

		err = client.Connect(ctx)
		require.NoError(t, err)
		defer client.Close(ctx)

		js, err := client.JetStream()
		require.NoError(t, err)
		require.NotNil(t, js)

		cfg := jetstream.StreamConfig{Name: "QUOALISE_DATA", Subjects: []string{"quoalise.data.>"}}
		stream, err := client.CreateStream(ctx, cfg)
		require.NoError(t, err)
		require.NotNil(t, stream)

		retrievedStream, err := client.GetStream(ctx, "QUOALISE_DATA")
		require.NoError(t, err)
		assert.Equal(t, "QUOALISE_DATA", retrievedStream.CachedInfo().Config.Name)

		err = client.PublishToStream(ctx, "quoalise.data.sandbox.meter-42", []byte("<data/>"))
		require.NoError(t, err)

		received := make(chan []byte, 1)
		err = client.ConsumeStream(ctx, "QUOALISE_DATA", "quoalise.data.>", func(data []byte) {
			received <- data
		})
		require.NoError(t, err)

		select {
		case data := <-received:
			assert.Equal(t, []byte("<data/>"), data)
		case <-time.After(2 * time.Second):
			t.Fatal("Stream message not received")
		}
	})
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(10),
		WithReconnectWait(5*time.Second),
		WithPingInterval(30*time.Second),
	)
	assert.NoError(t, err)

	opts := client.ConnectionOptions()
	assert.NotNil(t, opts)

	assert.Equal(t, 10, client.MaxReconnects())
	assert.Equal(t, 5*time.Second, client.ReconnectWait())
	assert.Equal(t, 30*time.Second, client.PingInterval())
}

func TestMetrics(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	for i := 0; i < 3; i++ {
		client.recordFailure()
	}

	status := client.GetStatus()
	assert.NotNil(t, status)
	assert.Equal(t, int32(3), status.FailureCount)
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.NotZero(t, status.LastFailureTime)

	client.resetCircuit()
	status = client.GetStatus()
	assert.Equal(t, int32(0), status.FailureCount)
}

type mockNATSConn struct {
	connected atomic.Bool
	rtt       time.Duration
}

func (m *mockNATSConn) IsConnected() bool {
	return m.connected.Load()
}

func (m *mockNATSConn) RTT() (time.Duration, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}
	return m.rtt, nil
}

func (m *mockNATSConn) Close() {
	m.connected.Store(false)
}

func TestClientScenarios(t *testing.T) {
	scenarios := []struct {
		name     string
		setup    func(*Client)
		action   func(*Client)
		validate func(*testing.T, *Client)
	}{
		{
			name: "successful connection flow",
			setup: func(c *Client) {
				c.setStatus(StatusDisconnected)
			},
			action: func(c *Client) {
				c.setStatus(StatusConnecting)
				c.setStatus(StatusConnected)
				c.resetCircuit()
			},
			validate: func(t *testing.T, c *Client) {
				assert.Equal(t, StatusConnected, c.Status())
				assert.True(t, c.IsHealthy())
				assert.Equal(t, int32(0), c.Failures())
			},
		},
		{
			name: "connection failure and circuit break",
			setup: func(c *Client) {
				c.setStatus(StatusConnecting)
			},
			action: func(c *Client) {
				for i := 0; i < 5; i++ {
					c.recordFailure()
				}
			},
			validate: func(t *testing.T, c *Client) {
				assert.Equal(t, StatusCircuitOpen, c.Status())
				assert.False(t, c.IsHealthy())
				assert.Equal(t, int32(5), c.Failures())
			},
		},
		{
			name: "reconnection after disconnect",
			setup: func(c *Client) {
				c.setStatus(StatusConnected)
			},
			action: func(c *Client) {
				c.setStatus(StatusReconnecting)
				time.Sleep(10 * time.Millisecond)
				c.setStatus(StatusConnected)
				c.resetCircuit()
			},
			validate: func(t *testing.T, c *Client) {
				assert.Equal(t, StatusConnected, c.Status())
				assert.True(t, c.IsHealthy())
			},
		},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			assert.NoError(t, err)

			scenario.setup(client)
			scenario.action(client)
			scenario.validate(t, client)
		})
	}
}

// The registry bucket is created on agent startup, so "already in use" from a
// second agent sharing the substrate must be treated as success.
func TestCreateKeyValueBucket_AlreadyExists(t *testing.T) {
	t.Run("isAlreadyExistsError recognizes error patterns", func(t *testing.T) {
		testCases := []struct {
			name     string
			err      error
			expected bool
		}{
			{"bucket name already in use", errors.New("nats: bucket name already in use"), true},
			{"already exists", errors.New("bucket already exists"), true},
			{"stream name already in use", errors.New("nats: stream name already in use"), true},
			{"other error", errors.New("connection failed"), false},
			{"nil error", nil, false},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				result := isAlreadyExistsError(tc.err)
				assert.Equal(t, tc.expected, result)
			})
		}
	})
}

// Starts a plain NATS container for tests that only need core pub/sub.
func startTestNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	natsURL := fmt.Sprintf("nats://%s:%s", host, port.Port())
	return natsContainer, natsURL
}

// Starts a NATS container with JetStream enabled, for stream and KV tests.
func startTestNATSContainerWithJS(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"--js"}, // Enable JetStream
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	natsURL := fmt.Sprintf("nats://%s:%s", host, port.Port())
	return natsContainer, natsURL
}

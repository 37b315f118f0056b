// This package provides a high-level interface to to-device delivery. It owns the store, the homeserver
// transport, the outgoing message queue and the room key request manager, and starts and stops them
// together.
package todevice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meow-io/go-todevice/clock"
	"github.com/meow-io/go-todevice/config"
	"github.com/meow-io/go-todevice/internal/db"
	"github.com/meow-io/go-todevice/keyrequest"
	"github.com/meow-io/go-todevice/queue"
	redisstore "github.com/meow-io/go-todevice/store/redis"
	"github.com/meow-io/go-todevice/transport"
	"github.com/meow-io/go-todevice/transport/httpapi"
	"go.uber.org/zap"
)

const (
	// Constants for client state.
	StateNew = iota
	StateInitialized
	StateRunning
)

type Client struct {
	DB          *db.Database
	config      *config.Config
	log         *zap.SugaredLogger
	clock       clock.Clock
	lock        sync.Mutex
	state       int
	redis       *redisstore.Store
	transport   *transport.Manager
	queue       *queue.Manager
	keyRequests *keyrequest.Manager
	unsubscribe func()
}

// Create a client. Unless a Redis server is configured, state is kept in an encrypted database under
// RootDir which must be initialized or opened with a key.
func NewClient(c *config.Config) (*Client, error) {
	log := c.Logger("")
	client := &Client{
		config: c,
		log:    log,
		clock:  clock.NewSystemClock(),
		state:  StateInitialized,
	}
	if c.RedisAddr != "" {
		log.Debugf("using redis store at %s", c.RedisAddr)
		return client, nil
	}

	rootDir := c.RootDir
	if rootDir == "" {
		rootDir = "."
	}
	absRootPath, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)
	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}

	d, err := db.NewDatabase(c, filepath.Join(c.RootDir, "todevice.db"))
	if err != nil {
		return nil, err
	}
	client.DB = d
	if !d.Initialized() {
		client.state = StateNew
	}
	return client, nil
}

// Makes a database key from a password.
func (c *Client) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

func (c *Client) New() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state == StateNew
}

func (c *Client) Running() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state == StateRunning
}

// Initialize the database with a key and open it.
func (c *Client) Initialize(key []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	return c.open(key)
}

// Open an existing client and start delivering. The key is unused when a Redis store is configured.
func (c *Client) Open(key []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.open(key)
}

func (c *Client) open(key []byte) (err error) {
	if c.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	// Anything opened before a failure is closed again so that Open can be retried.
	defer func() {
		if err != nil {
			c.abandonOpen()
		}
	}()

	var queueStore queue.Store
	var keyRequestStore keyrequest.Store
	if c.DB != nil {
		if err := c.DB.Open(key); err != nil {
			return err
		}
		qs, err := queue.NewSQLStore(c.DB)
		if err != nil {
			return err
		}
		ks, err := keyrequest.NewSQLStore(c.DB)
		if err != nil {
			return err
		}
		queueStore, keyRequestStore = qs, ks
	} else {
		rs, err := redisstore.NewStore(c.config)
		if err != nil {
			return err
		}
		c.redis = rs
		queueStore, keyRequestStore = rs, rs
	}

	client, err := httpapi.NewClient(c.config, nil)
	if err != nil {
		return err
	}
	c.transport = transport.NewManager(c.config, client, c.clock)
	if err := c.transport.Start(); err != nil {
		return err
	}
	c.queue = queue.NewManager(c.config, queueStore, c.transport, c.clock)
	c.keyRequests = keyrequest.NewManager(c.config, keyRequestStore, c.transport, c.clock)

	c.queue.Start()
	c.keyRequests.Start()
	c.unsubscribe = c.transport.Resumed(c.keyRequests.SendQueuedRequests)
	c.keyRequests.SendQueuedRequests()

	c.state = StateRunning
	return nil
}

func (c *Client) abandonOpen() {
	if c.transport != nil {
		if err := c.transport.Shutdown(); err != nil {
			c.log.Errorf("error shutting down transport after failed open: %v", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Shutdown(); err != nil {
			c.log.Errorf("error closing database after failed open: %v", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.log.Errorf("error closing redis store after failed open: %v", err)
		}
	}
	c.redis = nil
	c.transport = nil
	c.queue = nil
	c.keyRequests = nil
}

// Gracefully stop a running client.
func (c *Client) Shutdown() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateRunning {
		return nil
	}

	c.unsubscribe()
	c.keyRequests.Stop()
	c.queue.Stop()
	c.keyRequests.WaitForSend()
	c.queue.WaitForDrain()

	errs := make([]string, 0)
	if err := c.transport.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.DB != nil {
		if err := c.DB.Shutdown(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	c.unsubscribe = nil
	c.redis = nil
	c.transport = nil
	c.queue = nil
	c.keyRequests = nil
	c.state = StateInitialized
	return nil
}

func (c *Client) running() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateRunning {
		return errors.New("client is not running")
	}
	return nil
}

// Queue messages for delivery. Each request is split into batches which are sent in order.
func (c *Client) QueueBatch(requests ...*queue.BatchRequest) error {
	if err := c.running(); err != nil {
		return err
	}
	return c.queue.QueueBatch(requests...)
}

// Number of batches waiting to be sent.
func (c *Client) PendingBatches() (int, error) {
	if err := c.running(); err != nil {
		return 0, err
	}
	return c.queue.PendingBatches()
}

func (c *Client) QueueRoomKeyRequest(body *keyrequest.RequestBody, recipients []*keyrequest.Recipient, resend bool) error {
	if err := c.running(); err != nil {
		return err
	}
	return c.keyRequests.QueueRoomKeyRequest(body, recipients, resend)
}

func (c *Client) CancelRoomKeyRequest(body *keyrequest.RequestBody) error {
	if err := c.running(); err != nil {
		return err
	}
	return c.keyRequests.CancelRoomKeyRequest(body)
}

func (c *Client) SendQueuedRequests() error {
	if err := c.running(); err != nil {
		return err
	}
	c.keyRequests.SendQueuedRequests()
	return nil
}

func (c *Client) CancelAndResendAllOutgoingRequests() error {
	if err := c.running(); err != nil {
		return err
	}
	return c.keyRequests.CancelAndResendAllOutgoingRequests()
}

func (c *Client) GetOutgoingSentRoomKeyRequest(userID, deviceID string) ([]*keyrequest.Request, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	return c.keyRequests.GetOutgoingSentRoomKeyRequest(userID, deviceID)
}

// Whether the homeserver was reachable on the last attempt.
func (c *Client) Online() bool {
	if err := c.running(); err != nil {
		return false
	}
	return c.transport.Online()
}

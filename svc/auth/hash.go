package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"ephem/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxPasswordLength = 1024
	PepperLength      = 32
)

// MinVerifyDuration pads every Verify so unknown users and bad passwords
// take as long as real checks.
var MinVerifyDuration = 250 * time.Millisecond

var ErrShuttingDown = errors.New("hasher is shutting down")

// Hasher produces and checks peppered argon2id PHC strings on a fixed pool
// of workers, so a burst of registrations cannot spawn unbounded argon2
// allocations.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	pepper      []byte
	mu          sync.RWMutex
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type hashJob struct {
	password string
	resp     chan hashResult
}
type hashResult struct {
	hash string
	err  error
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < PepperLength {
		return nil, errors.Errorf("pepper must be at least %d bytes", PepperLength)
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		pepper:      pepperCopy,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

// RandomPepper is for development runs without a configured PEPPER. Hashes
// made with it do not survive a restart.
func RandomPepper() ([]byte, error) {
	b := make([]byte, PepperLength)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "generate pepper")
	}
	return b, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			hash, err := h.doHash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash queues password for a worker and waits for the encoded result.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", errors.New("hasher not started - call Start() first")
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	respChan := make(chan hashResult, 1)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case h.jobQueue <- hashJob{password: password, resp: respChan}:
		select {
		case res := <-respChan:
			return res.hash, res.err
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), "hash timeout")
		}
	case <-ctx.Done():
		return "", errors.New("hash queue full")
	case <-h.quit:
		return "", ErrShuttingDown
	}
}

func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrShuttingDown
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// Verify reports whether pwd matches encoded. An empty encoded string runs a
// throwaway comparison so a missing account costs the same as a wrong
// password.
func (h *Hasher) Verify(pwd, encoded string) bool {
	start := time.Now()
	var ok bool
	if len(pwd) > maxPasswordLength {
		h.verifyInternal(strings.Repeat("x", maxPasswordLength), "")
	} else {
		ok = h.verifyInternal(pwd, encoded)
	}
	if elapsed := time.Since(start); elapsed < MinVerifyDuration {
		time.Sleep(MinVerifyDuration - elapsed)
	}
	return ok
}

func (h *Hasher) verifyInternal(pwd, encoded string) bool {
	mem, iters, threads := h.memory, h.iterations, h.parallelism
	salt := make([]byte, 16)
	hash := make([]byte, 32)
	valid := false
	parts := strings.Split(encoded, "$")
	if len(parts) == 6 && parts[0] == "" && parts[1] == "argon2id" {
		var m, t uint32
		var p uint8
		_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p)
		if err == nil && m <= 2*1024*1024 && t <= 1000 && p > 0 && p <= 128 {
			s, serr := base64.RawStdEncoding.DecodeString(parts[4])
			k, kerr := base64.RawStdEncoding.DecodeString(parts[5])
			if serr == nil && kerr == nil && len(s) > 0 && len(k) > 0 && len(k) <= 256 {
				mem, iters, threads = m, t, p
				salt, hash = s, k
				valid = true
			}
		}
	}
	defer util.Wipe(hash)
	defer util.Wipe(salt)
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(other)
	return subtle.ConstantTimeCompare(hash, other) == 1 && valid
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

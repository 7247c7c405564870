package mocks

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/strata/gpualloc"
)

// MockBuffer is an in-memory stand-in for a device buffer. It carries a byte mirror
// so tests can assert that replacement copies preserved contents.
type MockBuffer struct {
	backend *MockBackend

	Id        int
	Data      []byte
	destroyed bool
}

func (b *MockBuffer) Size() int {
	return len(b.Data)
}

func (b *MockBuffer) Handle() any {
	return b
}

func (b *MockBuffer) Destroy() {
	b.backend.mutex.Lock()
	defer b.backend.mutex.Unlock()

	if b.destroyed {
		b.backend.violations = append(b.backend.violations,
			fmt.Sprintf("buffer %d destroyed twice", b.Id))
		return
	}
	b.destroyed = true
	b.backend.liveBuffers--

	// A destroy is premature while a submitted-but-incomplete batch still reads or
	// writes this buffer
	for token, batch := range b.backend.inFlight {
		if token <= b.backend.completed {
			continue
		}
		for _, c := range batch {
			if c.src == b || c.dst == b {
				b.backend.violations = append(b.backend.violations,
					fmt.Sprintf("buffer %d destroyed while token %d is in flight", b.Id, token))
				return
			}
		}
	}
}

type pendingCopy struct {
	src, dst             *MockBuffer
	srcOffset, dstOffset int
	length               int
}

// DescriptorWrite records a single WriteDescriptor call.
type DescriptorWrite struct {
	Binding   int
	Buffer    gpualloc.Buffer
	Offset    int
	ByteRange int
}

// MockBackend implements gpualloc.Backend entirely in host memory. Device copies are
// applied when their batch is submitted but the batch's token does not retire until
// the test calls AdvanceCompleted or CompleteAll, so the protocol around retired
// buffers can be exercised deterministically. Any use-after-destroy or
// destroy-while-in-flight is recorded as a violation rather than panicking, so tests
// can assert on the full list at the end.
type MockBackend struct {
	mutex sync.Mutex

	nextBufferId int
	liveBuffers  int

	pending   []pendingCopy
	inFlight  map[gpualloc.SubmissionToken][]pendingCopy
	submitted gpualloc.SubmissionToken
	completed gpualloc.SubmissionToken

	// AutoComplete retires every token as soon as it is submitted, for tests that
	// do not exercise the retirement window itself
	AutoComplete bool
	// FailNextCreate makes the next CreateBuffer return an error, for grow-failure
	// paths
	FailNextCreate bool
	// FailNextSubmit makes the next Submit return an error. The recorded batch is
	// discarded, as a failed device submission never executes.
	FailNextSubmit bool

	Descriptors []DescriptorWrite
	violations  []string
}

var _ gpualloc.Backend = &MockBackend{}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		inFlight: map[gpualloc.SubmissionToken][]pendingCopy{},
	}
}

func (m *MockBackend) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (gpualloc.Buffer, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.FailNextCreate {
		m.FailNextCreate = false
		return nil, errors.New("mock buffer creation failure")
	}

	m.nextBufferId++
	m.liveBuffers++
	return &MockBuffer{
		backend: m,
		Id:      m.nextBufferId,
		Data:    make([]byte, size),
	}, nil
}

func (m *MockBackend) Copy(src gpualloc.Buffer, dst gpualloc.Buffer, srcOffset, dstOffset, length int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	srcBuf := src.(*MockBuffer)
	dstBuf := dst.(*MockBuffer)
	if srcBuf.destroyed {
		m.violations = append(m.violations,
			fmt.Sprintf("copy recorded from destroyed buffer %d", srcBuf.Id))
	}
	if dstBuf.destroyed {
		m.violations = append(m.violations,
			fmt.Sprintf("copy recorded into destroyed buffer %d", dstBuf.Id))
	}

	m.pending = append(m.pending, pendingCopy{
		src: srcBuf, dst: dstBuf,
		srcOffset: srcOffset, dstOffset: dstOffset,
		length: length,
	})
}

func (m *MockBackend) Submit() (gpualloc.SubmissionToken, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.FailNextSubmit {
		m.FailNextSubmit = false
		m.pending = nil
		return 0, errors.New("mock submit failure")
	}

	m.submitted++
	token := m.submitted

	for _, c := range m.pending {
		if c.src.destroyed {
			m.violations = append(m.violations,
				fmt.Sprintf("token %d reads destroyed buffer %d", token, c.src.Id))
			continue
		}
		copy(c.dst.Data[c.dstOffset:c.dstOffset+c.length], c.src.Data[c.srcOffset:c.srcOffset+c.length])
	}
	if m.AutoComplete {
		m.completed = token
	} else {
		m.inFlight[token] = m.pending
	}
	m.pending = nil

	return token, nil
}

func (m *MockBackend) CompletedToken() gpualloc.SubmissionToken {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.completed
}

func (m *MockBackend) WriteData(dst gpualloc.Buffer, offset int, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	dstBuf := dst.(*MockBuffer)
	if dstBuf.destroyed {
		m.violations = append(m.violations,
			fmt.Sprintf("write into destroyed buffer %d", dstBuf.Id))
		return errors.Errorf("buffer %d is destroyed", dstBuf.Id)
	}
	if offset < 0 || offset+len(data) > len(dstBuf.Data) {
		return errors.Errorf("write of %d bytes at offset %d overflows buffer %d (size %d)",
			len(data), offset, dstBuf.Id, len(dstBuf.Data))
	}
	copy(dstBuf.Data[offset:], data)
	return nil
}

func (m *MockBackend) WriteDescriptor(binding int, buffer gpualloc.Buffer, offset int, byteRange int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Descriptors = append(m.Descriptors, DescriptorWrite{
		Binding: binding, Buffer: buffer,
		Offset: offset, ByteRange: byteRange,
	})
}

// AdvanceCompleted retires the next submitted token, simulating the device finishing
// one batch of work.
func (m *MockBackend) AdvanceCompleted() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.completed < m.submitted {
		m.completed++
		delete(m.inFlight, m.completed)
	}
}

// CompleteAll retires every submitted token.
func (m *MockBackend) CompleteAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.completed = m.submitted
	m.inFlight = map[gpualloc.SubmissionToken][]pendingCopy{}
}

// Violations returns every protocol violation observed so far. A clean test run ends
// with an empty slice.
func (m *MockBackend) Violations() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]string{}, m.violations...)
}

// LiveBufferCount returns the number of created buffers that have not been
// destroyed.
func (m *MockBackend) LiveBufferCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.liveBuffers
}

package timer

import (
	"math/rand"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func drain(s *Scheduler[int]) []int {
	var out []int
	for {
		v, ok := s.Poll()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestZeroDelayFiresOnNextPoll(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	_, err := s.Schedule(0, 0, 7)
	Expect(err).NotTo(HaveOccurred())

	v, ok := s.Poll()
	Expect(ok).To(BeTrue())
	Expect(v).To(Equal(7))

	_, ok = s.Poll()
	Expect(ok).To(BeFalse())
	Expect(s.Len()).To(Equal(0))
}

func TestNegativeDelayRejected(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	h, err := s.Schedule(0, -1, 1)
	Expect(err).To(MatchError(ErrNegativeDelay))
	Expect(h.IsZero()).To(BeTrue())
	Expect(s.Len()).To(Equal(0))
}

func TestNotBeforeFireTime(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	_, _ = s.Schedule(0, 10, 1)

	s.Tick(9)
	Expect(drain(s)).To(BeEmpty())

	s.Tick(10)
	Expect(drain(s)).To(Equal([]int{1}))
}

func TestMixedDelayClasses(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	delays := []int64{2_000_000, 1050, 40, 5}
	for _, d := range delays {
		_, err := s.Schedule(0, d, int(d))
		Expect(err).NotTo(HaveOccurred())
	}

	fired := map[int]int64{}
	for now := int64(1); now <= 2_000_001; now++ {
		s.Tick(now)
		for _, v := range drain(s) {
			Expect(fired).NotTo(HaveKey(v))
			fired[v] = now
		}
	}
	Expect(fired).To(HaveLen(4))
	for _, d := range delays {
		Expect(fired[int(d)]).To(Equal(d))
	}
}

func TestSingleLargeTickKeepsOrder(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	for _, d := range []int64{2_000_000, 1050, 40, 5} {
		_, _ = s.Schedule(0, d, int(d))
	}
	s.Tick(2_000_001)
	Expect(drain(s)).To(Equal([]int{5, 40, 1050, 2_000_000}))
	Expect(s.Len()).To(Equal(0))
}

func TestFIFOWithinSlot(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	for i := 0; i < 5; i++ {
		_, _ = s.Schedule(0, 100, i)
	}
	s.Tick(100)
	Expect(drain(s)).To(Equal([]int{0, 1, 2, 3, 4}))
}

func TestRandomScheduleNeverEarlyNeverLost(t *testing.T) {
	RegisterTestingT(t)
	rnd := rand.New(rand.NewSource(42))
	s := New[int](1000)

	want := map[int]int64{}
	now := int64(1000)
	for i := 0; i < 2000; i++ {
		var d int64
		switch i % 4 {
		case 0:
			d = rnd.Int63n(32)
		case 1:
			d = rnd.Int63n(5000)
		case 2:
			d = rnd.Int63n(200_000)
		default:
			d = rnd.Int63n(3 * Span)
		}
		_, err := s.Schedule(now, d, i)
		Expect(err).NotTo(HaveOccurred())
		want[i] = now + d
		if i%10 == 0 {
			now += rnd.Int63n(50)
			s.Tick(now)
			for _, v := range drain(s) {
				Expect(now).To(BeNumerically(">=", want[v]))
				delete(want, v)
			}
		}
	}

	for _, v := range drain(s) {
		Expect(now).To(BeNumerically(">=", want[v]))
		delete(want, v)
	}

	prev := now
	for len(want) > 0 {
		now = prev + 1 + rnd.Int63n(20_000)
		s.Tick(now)
		for _, v := range drain(s) {
			Expect(want).To(HaveKey(v))
			Expect(now).To(BeNumerically(">=", want[v]))
			// Fired in the first tick that reached its time.
			Expect(prev).To(BeNumerically("<", want[v]))
			delete(want, v)
		}
		prev = now
	}
	Expect(s.Len()).To(Equal(0))
	Expect(s.wheel.len()).To(Equal(0))
	Expect(s.overflow.Len()).To(Equal(0))
}

func TestCancelBeforeFire(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	short, _ := s.Schedule(0, 5, 1)
	mid, _ := s.Schedule(0, 3000, 2)
	far, _ := s.Schedule(0, 5*Span, 3)
	keep, _ := s.Schedule(0, 5, 4)

	Expect(s.Cancel(short)).To(Succeed())
	Expect(s.Cancel(mid)).To(Succeed())
	Expect(s.Cancel(far)).To(Succeed())
	Expect(s.Pending(short)).To(BeFalse())
	Expect(s.Pending(keep)).To(BeTrue())

	s.Tick(6 * Span)
	Expect(drain(s)).To(Equal([]int{4}))
	Expect(s.NextWait(6 * Span)).To(Equal(NoDeadline))
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	h, _ := s.Schedule(0, 1, 1)
	s.Tick(1)
	Expect(drain(s)).To(Equal([]int{1}))

	Expect(s.Cancel(h)).To(Succeed())
	Expect(s.Cancel(h)).To(Succeed())

	// The recycled record must not be reachable through the old handle.
	h2, _ := s.Schedule(1, 10, 2)
	Expect(s.Cancel(h)).To(Succeed())
	Expect(s.Pending(h2)).To(BeTrue())
}

func TestCancelDueTimer(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	h, _ := s.Schedule(0, 3, 1)
	s.Tick(10)
	Expect(s.Cancel(h)).To(Succeed())
	Expect(drain(s)).To(BeEmpty())
}

func TestCancelForeignHandle(t *testing.T) {
	RegisterTestingT(t)
	a := New[int](0)
	b := New[int](0)
	h, _ := a.Schedule(0, 10, 1)

	Expect(b.Cancel(h)).To(MatchError(ErrForeignHandle))
	Expect(a.Pending(h)).To(BeTrue())
	Expect(b.Cancel(Handle{})).To(Succeed())
}

func TestReschedule(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	h, _ := s.Schedule(0, 10, 1)

	s.Tick(8)
	Expect(s.Reschedule(h, 8, 100)).To(Succeed())
	s.Tick(20)
	Expect(drain(s)).To(BeEmpty())

	s.Tick(108)
	Expect(drain(s)).To(Equal([]int{1}))
	Expect(s.Reschedule(h, 108, 1)).To(MatchError(ErrStaleHandle))
}

func TestPayload(t *testing.T) {
	RegisterTestingT(t)
	s := New[string](0)
	h, _ := s.Schedule(0, 10, "idle")
	p, ok := s.Payload(h)
	Expect(ok).To(BeTrue())
	Expect(p).To(Equal("idle"))

	Expect(s.Cancel(h)).To(Succeed())
	_, ok = s.Payload(h)
	Expect(ok).To(BeFalse())
}

func TestNextWait(t *testing.T) {
	RegisterTestingT(t)
	s := New[int](0)
	Expect(s.NextWait(0)).To(Equal(NoDeadline))

	_, _ = s.Schedule(0, 5, 1)
	Expect(s.NextWait(0)).To(Equal(int64(5)))
	Expect(s.NextWait(3)).To(Equal(int64(2)))
	Expect(s.NextWait(5)).To(Equal(int64(0)))
	Expect(drain(s)).To(Equal([]int{1}))

	_, _ = s.Schedule(5, 2*Span, 2)
	Expect(s.NextWait(5)).To(Equal(2 * Span))
}

func TestNextWaitNeverOverestimates(t *testing.T) {
	RegisterTestingT(t)
	rnd := rand.New(rand.NewSource(7))
	s := New[int](0)
	now := int64(0)
	for i := 0; i < 500; i++ {
		_, _ = s.Schedule(now, rnd.Int63n(2*Span), i)
	}

	fired := 0
	for fired < 500 {
		wait := s.NextWait(now)
		Expect(wait).NotTo(Equal(NoDeadline))
		if wait > 1 {
			s.Tick(now + wait - 1)
			Expect(drain(s)).To(BeEmpty())
		}
		now += wait
		s.Tick(now)
		fired += len(drain(s))
	}
	Expect(s.NextWait(now)).To(Equal(NoDeadline))
}

func TestClockRegressionHoldsPosition(t *testing.T) {
	RegisterTestingT(t)
	logger, hook := test.NewNullLogger()
	s := New[int](0, WithLogger(logrus.NewEntry(logger)))
	_, _ = s.Schedule(0, 150, 1)

	s.Tick(100)
	s.Tick(50)
	Expect(s.Now()).To(Equal(int64(100)))
	Expect(hook.LastEntry()).NotTo(BeNil())
	Expect(hook.LastEntry().Level).To(Equal(logrus.WarnLevel))

	s.Tick(149)
	Expect(drain(s)).To(BeEmpty())
	s.Tick(150)
	Expect(drain(s)).To(Equal([]int{1}))
}

package reconcile

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

func testSession(id string) *Session {
	return &Session{
		ID:    id,
		Place: "Coop",
		Image: []byte("jpeg"),
		Lines: []Line{
			{Index: 0, Item: LineItem{Name: "Milk", Price: 1.2}, Match: Match{State: StateAutoMatched, TargetID: target(3), Similarity: 0.9}},
			{Index: 1, Item: LineItem{Name: "Bag", Price: 0.1}, Match: Match{State: StateUnmatched}},
		},
		Pool: []Candidate{{ID: 3, Name: "milk"}},
	}
}

// sessionStoreBehaviour runs the shared SessionStore contract against a store
func sessionStoreBehaviour(newStore func() SessionStore) {
	var (
		ctx   context.Context
		store SessionStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		Expect(store.Save(ctx, testSession("abc"))).To(Succeed())
	})

	It("should return the saved session", func() {
		s, err := store.Get(ctx, "abc")
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Place).To(Equal("Coop"))
		Expect(*s.Lines[0].Match.TargetID).To(Equal(int64(3)))
	})

	It("returns ErrSessionNotFound for unknown ids", func() {
		_, err := store.Get(ctx, "missing")
		Expect(err).To(MatchError(ErrSessionNotFound))
	})

	It("should persist successful updates", func() {
		_, err := store.Update(ctx, "abc", func(s *Session) error { return s.ignore(0) })
		Expect(err).NotTo(HaveOccurred())
		s, _ := store.Get(ctx, "abc")
		Expect(s.Lines[0].Match.State).To(Equal(StateIgnored))
	})

	It("should discard failed updates", func() {
		_, err := store.Update(ctx, "abc", func(s *Session) error {
			s.Lines[0].Match = Match{State: StateIgnored}
			return errors.New("nope")
		})
		Expect(err).To(MatchError("nope"))
		s, _ := store.Get(ctx, "abc")
		Expect(s.Lines[0].Match.State).To(Equal(StateAutoMatched))
	})

	It("should delete sessions", func() {
		Expect(store.Delete(ctx, "abc")).To(Succeed())
		Expect(store.Delete(ctx, "abc")).To(MatchError(ErrSessionNotFound))
	})
}

var _ = Describe("MemoryStore", func() {
	var now time.Time

	sessionStoreBehaviour(func() SessionStore {
		now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		return NewMemoryStoreWithClock(time.Minute, func() time.Time { return now })
	})

	It("should not leak mutations through returned sessions", func() {
		store := NewMemoryStore(time.Minute)
		Expect(store.Save(context.Background(), testSession("x"))).To(Succeed())
		s, _ := store.Get(context.Background(), "x")
		*s.Lines[0].Match.TargetID = 99
		again, _ := store.Get(context.Background(), "x")
		Expect(*again.Lines[0].Match.TargetID).To(Equal(int64(3)))
	})

	It("should expire idle sessions", func() {
		now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		store := NewMemoryStoreWithClock(time.Minute, func() time.Time { return now })
		Expect(store.Save(context.Background(), testSession("x"))).To(Succeed())

		now = now.Add(30 * time.Second)
		_, err := store.Update(context.Background(), "x", func(s *Session) error { return nil })
		Expect(err).NotTo(HaveOccurred())

		now = now.Add(45 * time.Second)
		_, err = store.Get(context.Background(), "x")
		Expect(err).NotTo(HaveOccurred())

		now = now.Add(time.Minute)
		_, err = store.Get(context.Background(), "x")
		Expect(err).To(MatchError(ErrSessionNotFound))
	})
})

var _ = Describe("RedisStore", func() {
	var (
		client *redis.Client
		mr     *miniredis.Miniredis
	)

	BeforeEach(func() {
		// A real server is used when one is configured
		addr := os.Getenv("SHOPLIST_TEST_REDIS_ADDR")
		if addr == "" {
			mr = miniredis.RunT(GinkgoT())
			addr = mr.Addr()
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		DeferCleanup(func() {
			client.Del(context.Background(), redisKeyPrefix+"abc", redisKeyPrefix+"x")
			Expect(client.Close()).To(Succeed())
		})
	})

	sessionStoreBehaviour(func() SessionStore {
		return NewRedisStore(client, time.Minute)
	})

	Context("on an in-process server", func() {
		var (
			ctx   context.Context
			store *RedisStore
		)

		BeforeEach(func() {
			if mr == nil {
				Skip("needs the in-process server to control time")
			}
			ctx = context.Background()
			store = NewRedisStore(client, time.Minute)
			Expect(store.Save(ctx, testSession("x"))).To(Succeed())
		})

		It("should expire idle sessions and keep updated ones alive", func() {
			mr.FastForward(30 * time.Second)
			_, err := store.Update(ctx, "x", func(s *Session) error { return nil })
			Expect(err).NotTo(HaveOccurred())

			mr.FastForward(45 * time.Second)
			_, err = store.Get(ctx, "x")
			Expect(err).NotTo(HaveOccurred())

			mr.FastForward(time.Minute)
			_, err = store.Get(ctx, "x")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})

		It("should serialize concurrent updates", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := store.Update(ctx, "x", func(s *Session) error {
						s.Place += "!"
						return nil
					})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			s, err := store.Get(ctx, "x")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Place).To(Equal("Coop!!!!!!!!"))
		})

		It("should wait for a held lock before updating", func() {
			lock, err := redislock.New(client).Obtain(ctx, redisKeyPrefix+"x:lock", time.Minute, nil)
			Expect(err).NotTo(HaveOccurred())
			time.AfterFunc(100*time.Millisecond, func() {
				defer GinkgoRecover()
				Expect(lock.Release(context.Background())).To(Succeed())
			})

			s, err := store.Update(ctx, "x", func(s *Session) error {
				s.Place = "Esselunga"
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Place).To(Equal("Esselunga"))
		})

		It("should give up while another holder keeps the lock", func() {
			_, err := redislock.New(client).Obtain(ctx, redisKeyPrefix+"x:lock", time.Minute, nil)
			Expect(err).NotTo(HaveOccurred())

			short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
			_, err = store.Update(short, "x", func(s *Session) error {
				s.Place = "Esselunga"
				return nil
			})
			Expect(err).To(HaveOccurred())

			s, err := store.Get(ctx, "x")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Place).To(Equal("Coop"))
		})
	})
})

package ingest_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/ingest"
)

var _ = Describe("ChunkBuffer", func() {
	var (
		mr     *miniredis.Miniredis
		client *redis.Client
		buffer *ingest.ChunkBuffer
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		buffer, err = ingest.NewChunkBuffer(client, time.Hour)
		Expect(err).NotTo(HaveOccurred())

		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		mr.Close()
	})

	Describe("NewChunkBuffer", func() {
		It("should reject a nil redis client", func() {
			b, err := ingest.NewChunkBuffer(nil, time.Hour)
			Expect(err).To(HaveOccurred())
			Expect(b).To(BeNil())
		})
	})

	Describe("PutMeta and Expected", func() {
		It("should round-trip the expected chunk count", func() {
			Expect(buffer.PutMeta(ctx, "B8F862F9CFB8", "img_001.jpg", 5)).To(Succeed())

			total, ok, err := buffer.Expected(ctx, "B8F862F9CFB8", "img_001.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(total).To(Equal(5))
		})

		It("should report missing metadata without error", func() {
			_, ok, err := buffer.Expected(ctx, "B8F862F9CFB8", "unseen.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("PutChunk", func() {
		It("should count distinct chunks", func() {
			n, err := buffer.PutChunk(ctx, "dev", "img.jpg", 0, []byte("aa"))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			n, err = buffer.PutChunk(ctx, "dev", "img.jpg", 1, []byte("bb"))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("should be idempotent for duplicate chunk indexes", func() {
			_, err := buffer.PutChunk(ctx, "dev", "img.jpg", 0, []byte("aa"))
			Expect(err).NotTo(HaveOccurred())

			n, err := buffer.PutChunk(ctx, "dev", "img.jpg", 0, []byte("aa"))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("Assemble", func() {
		It("should join chunks in index order", func() {
			_, err := buffer.PutChunk(ctx, "dev", "img.jpg", 1, []byte("world"))
			Expect(err).NotTo(HaveOccurred())
			_, err = buffer.PutChunk(ctx, "dev", "img.jpg", 0, []byte("hello "))
			Expect(err).NotTo(HaveOccurred())

			data, err := buffer.Assemble(ctx, "dev", "img.jpg", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("hello world"))
		})

		It("should report a missing chunk", func() {
			_, err := buffer.PutChunk(ctx, "dev", "img.jpg", 0, []byte("only"))
			Expect(err).NotTo(HaveOccurred())

			_, err = buffer.Assemble(ctx, "dev", "img.jpg", 2)
			Expect(err).To(MatchError(ingest.ErrChunkMissing))
		})
	})

	Describe("Clear", func() {
		It("should remove all transfer state", func() {
			Expect(buffer.PutMeta(ctx, "dev", "img.jpg", 1)).To(Succeed())
			_, err := buffer.PutChunk(ctx, "dev", "img.jpg", 0, []byte("x"))
			Expect(err).NotTo(HaveOccurred())

			Expect(buffer.Clear(ctx, "dev", "img.jpg", 1)).To(Succeed())

			_, ok, err := buffer.Expected(ctx, "dev", "img.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			n, err := buffer.ReceivedCount(ctx, "dev", "img.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})

	Describe("TTL", func() {
		It("should expire buffered chunks", func() {
			_, err := buffer.PutChunk(ctx, "dev", "img.jpg", 0, []byte("x"))
			Expect(err).NotTo(HaveOccurred())

			mr.FastForward(2 * time.Hour)

			n, err := buffer.ReceivedCount(ctx, "dev", "img.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})
})

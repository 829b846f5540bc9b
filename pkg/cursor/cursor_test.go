package cursor

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCursor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cursor")
}

func docs(n int) []Document {
	ret := make([]Document, n)
	for i := range ret {
		ret[i] = Document{"i": int64(i)}
	}
	return ret
}

var _ = Describe("Cursor", func() {
	ctx := context.Background()

	It("should iterate a slice", func() {
		c := FromSlice(docs(2))
		ok, err := c.HasNext(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		d, err := c.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(Document{"i": int64(0)}))

		d, err = c.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(Document{"i": int64(1)}))

		ok, err = c.HasNext(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		_, err = c.Next(ctx)
		Expect(err).To(MatchError(ErrExhausted))
	})

	It("should not pull twice on HasNext", func() {
		pulled := 0
		c := FromFunc(func(_ context.Context) (Document, error) {
			pulled++
			return Document{}, nil
		}, nil)
		for i := 0; i < 3; i++ {
			ok, err := c.HasNext(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		}
		Expect(pulled).To(Equal(1))
	})

	It("should fetch in batches", func() {
		c := FromSlice(docs(5))
		b, err := c.Fetch(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(HaveLen(2))

		b, err = c.Fetch(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(HaveLen(2))
		Expect(b[0]).To(Equal(Document{"i": int64(2)}))

		b, err = c.Fetch(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(HaveLen(1))

		b, err = c.Fetch(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(BeEmpty())
	})

	It("should keep errors sticky", func() {
		boom := errors.New("boom")
		pulled := 0
		c := FromFunc(func(_ context.Context) (Document, error) {
			pulled++
			return nil, boom
		}, nil)
		_, err := c.Next(ctx)
		Expect(err).To(MatchError(boom))
		_, err = c.Next(ctx)
		Expect(err).To(MatchError(boom))
		Expect(pulled).To(Equal(1))
	})

	It("should stop on a cancelled context", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := FromSlice(docs(1)).Next(cctx)
		Expect(err).To(MatchError(context.Canceled))
	})

	It("should close once", func() {
		closed := 0
		c := FromFunc(func(_ context.Context) (Document, error) {
			return Document{}, nil
		}, func() error {
			closed++
			return nil
		})
		Expect(c.Close()).To(Succeed())
		Expect(c.Close()).To(Succeed())
		Expect(closed).To(Equal(1))

		_, err := c.Next(ctx)
		Expect(err).To(MatchError(ErrExhausted))
	})

	It("should collect and close", func() {
		closed := false
		src := FromSlice(docs(3))
		c := FromFunc(src.Next, func() error {
			closed = true
			return nil
		})
		ds, err := Collect(ctx, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(ds).To(Equal(docs(3)))
		Expect(closed).To(BeTrue())

		ds, err = Collect(ctx, Empty())
		Expect(err).NotTo(HaveOccurred())
		Expect(ds).To(BeEmpty())
	})
})

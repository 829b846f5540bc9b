package loader

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/docexpr/pkg/cursor"
)

func TestLoader(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Loader")
}

var _ = Describe("Loader", func() {
	It("should parse a YAML pipeline", func() {
		p, err := ParsePipeline([]byte(`
- $match: {kind: order}
- $limit: 2`))
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal([]any{
			map[string]any{"$match": map[string]any{"kind": "order"}},
			map[string]any{"$limit": int64(2)},
		}))
	})

	It("should parse a wrapped JSON pipeline", func() {
		p, err := ParsePipeline([]byte(`{"pipeline": [{"$skip": 1}]}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal([]any{map[string]any{"$skip": int64(1)}}))
	})

	It("should reject non-list pipelines", func() {
		_, err := ParsePipeline([]byte(`{"$skip": 1}`))
		Expect(err).To(HaveOccurred())
		_, err = ParsePipeline([]byte(`[`))
		Expect(err).To(HaveOccurred())
	})

	It("should parse documents", func() {
		ds, err := ParseDocuments([]byte(`[{"a": 1, "b": 1.5}, {"a": 2}]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ds).To(Equal([]cursor.Document{{"a": int64(1), "b": 1.5}, {"a": int64(2)}}))

		ds, err = ParseDocuments([]byte(`{"a": "x"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ds).To(HaveLen(1))

		_, err = ParseDocuments([]byte(`[1, 2]`))
		Expect(err).To(HaveOccurred())
	})
})

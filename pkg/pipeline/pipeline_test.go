package pipeline

import (
	"context"
	"math"
	"sort"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/fault"
)

var (
	loglevel = -10
	logger   = zap.New(zap.UseFlagOptions(&zap.Options{
		Development:     true,
		DestWriter:      GinkgoWriter,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
		Level:           zapcore.Level(loglevel),
	}))
)

func TestPipeline(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipeline")
}

func newPipeline(def string) (*Pipeline, error) {
	var p []any
	if err := yaml.Unmarshal([]byte(def), &p); err != nil {
		return nil, err
	}
	return New(nil, p, WithLogger(logger))
}

func run(def string, docs []cursor.Document) ([]cursor.Document, error) {
	p, err := newPipeline(def)
	if err != nil {
		return nil, err
	}
	return p.EvaluateSlice(context.Background(), docs)
}

// countingCursor counts the documents pulled from it.
func countingCursor(docs []cursor.Document, pulled *int) cursor.Cursor {
	return cursor.FromFunc(func(_ context.Context) (cursor.Document, error) {
		if *pulled >= len(docs) {
			return nil, cursor.ErrExhausted
		}
		d := docs[*pulled]
		*pulled++
		return d, nil
	}, nil)
}

var _ = Describe("Pipelines", func() {
	var docs []cursor.Document

	BeforeEach(func() {
		docs = []cursor.Document{
			{"_id": int64(1), "cat": "b", "amount": int64(1), "tags": []any{"x", "y"}},
			{"_id": int64(2), "cat": "a", "amount": int64(2), "tags": []any{}},
			{"_id": int64(3), "cat": "b", "amount": int64(3)},
		}
	})

	Describe("Validating stages", func() {
		It("should reject $skip: 0 with a stage-indexed path", func() {
			_, err := newPipeline(`
- $match: {cat: b}
- $skip: 0`)
			Expect(err).To(HaveOccurred())
			f, ok := fault.As(err)
			Expect(ok).To(BeTrue())
			Expect(f.Code).To(Equal(fault.InvalidArgument))
			Expect(f.Reason).To(Equal("Stage $skip requires a positive integer."))
			Expect(f.Path).To(Equal("pipeline.1.$skip"))
		})

		It("should reject non-positive and non-integer $limit values", func() {
			for _, def := range []string{"- $limit: 0", "- $limit: -1", "- $limit: 1.5", `- $limit: "5"`} {
				_, err := newPipeline(def)
				Expect(err).To(HaveOccurred(), def)
				f, ok := fault.As(err)
				Expect(ok).To(BeTrue())
				Expect(f.Reason).To(Equal("Stage $limit requires a positive integer."))
				Expect(f.Path).To(Equal("pipeline.0.$limit"))
			}
		})

		It("should list the supported stages in order", func() {
			names := StageNames()
			Expect(names).To(ContainElements("$match", "$group", "$unset"))
			Expect(names).NotTo(ContainElement("$lookup"))
			Expect(sort.StringsAreSorted(names)).To(BeTrue())
		})

		It("should reject unknown stages", func() {
			_, err := newPipeline("- $lookup: {from: x}")
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.UnknownOperator)).To(BeTrue())
		})

		It("should reject multi-key stages", func() {
			_, err := newPipeline("- {$skip: 1, $limit: 1}")
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.InvalidArgument)).To(BeTrue())
		})

		It("should reject mixed inclusion and exclusion", func() {
			_, err := newPipeline("- $project: {a: 1, b: 0}")
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.InvalidArgument)).To(BeTrue())
		})
	})

	Describe("Skip and limit", func() {
		It("should return an empty sequence when skipping past the end", func() {
			res, err := run("- $skip: 5", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(BeEmpty())
		})

		It("should skip and limit", func() {
			res, err := run(`
- $skip: 1
- $limit: 1`, docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(1))
			Expect(res[0]["_id"]).To(Equal(int64(2)))
		})

		It("should not pull more documents than $limit needs", func() {
			p, err := newPipeline("- $limit: 2")
			Expect(err).NotTo(HaveOccurred())

			pulled := 0
			c, err := p.Evaluate(context.Background(), countingCursor(docs, &pulled))
			Expect(err).NotTo(HaveOccurred())
			res, err := cursor.Collect(context.Background(), c)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(2))
			Expect(pulled).To(Equal(2))
		})
	})

	Describe("Matching", func() {
		It("should match on field equality", func() {
			res, err := run("- $match: {cat: b}", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(2))
		})

		It("should match with comparison operators", func() {
			res, err := run("- $match: {amount: {$gt: 1, $lte: 3}}", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(2))
			Expect(res[0]["_id"]).To(Equal(int64(2)))
		})

		It("should match array elements", func() {
			res, err := run("- $match: {tags: y}", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(1))
			Expect(res[0]["_id"]).To(Equal(int64(1)))
		})

		It("should match with $in, $exists and $or", func() {
			res, err := run("- $match: {$or: [{cat: {$in: [a]}}, {tags: {$exists: false}}]}", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(2))
			Expect(res[0]["_id"]).To(Equal(int64(2)))
			Expect(res[1]["_id"]).To(Equal(int64(3)))
		})

		It("should match with $expr", func() {
			res, err := run("- $match: {$expr: {$eq: [{$mod: [$amount, 2]}, 1]}}", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(2))
		})
	})

	Describe("Grouping", func() {
		It("should group in first-seen order", func() {
			res, err := run(`
- $group:
    _id: $cat
    total: {$sum: $amount}
    n: {$count: {}}
    ids: {$push: $_id}`, docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal([]cursor.Document{
				{"_id": "b", "total": int64(4), "n": int64(2), "ids": []any{int64(1), int64(3)}},
				{"_id": "a", "total": int64(2), "n": int64(1), "ids": []any{int64(2)}},
			}))
		})

		It("should group everything under a null key", func() {
			res, err := run(`
- $group:
    _id: null
    max: {$max: $amount}
    last: {$last: $tags}`, docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(1))
			Expect(res[0]["_id"]).To(BeNil())
			Expect(res[0]["max"]).To(Equal(int64(3)))
			Expect(res[0]["last"]).To(Equal([]any{}))
		})

		It("should group on a non-finite key", func() {
			res, err := run(`
- $group:
    _id: {$multiply: [1e308, 10]}
    n: {$count: {}}
    vals: {$addToSet: {$multiply: [$amount, 1e308, 10]}}`, docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal([]cursor.Document{
				{"_id": math.Inf(1), "n": int64(3), "vals": []any{math.Inf(1)}},
			}))
		})

		It("should reject a group without _id", func() {
			_, err := newPipeline("- $group: {total: {$sum: 1}}")
			Expect(err).To(HaveOccurred())
		})

		It("should reject an unknown accumulator", func() {
			_, err := newPipeline("- $group: {_id: null, x: {$median: $amount}}")
			Expect(err).To(HaveOccurred())
			f, ok := fault.As(err)
			Expect(ok).To(BeTrue())
			Expect(f.Code).To(Equal(fault.UnknownOperator))
			Expect(f.Path).To(Equal("pipeline.0.$group.x.$median"))
		})
	})

	Describe("Reshaping", func() {
		It("should project with inclusion and computed fields", func() {
			res, err := run(`
- $project:
    cat: 1
    calc:
      double: {$multiply: [$amount, 2]}`, docs[:1])
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal([]cursor.Document{
				{"_id": int64(1), "cat": "b", "calc": map[string]any{"double": float64(2)}},
			}))
		})

		It("should project with exclusion", func() {
			res, err := run("- $project: {_id: 0, tags: 0}", docs[:1])
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal([]cursor.Document{{"cat": "b", "amount": int64(1)}}))
		})

		It("should add and remove fields", func() {
			res, err := run(`
- $addFields:
    label: {$concat: [$cat, "-", {$toString: $amount}]}
    cat: $$REMOVE
    meta.seen: true`, docs[:1])
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(1))
			Expect(res[0]).To(HaveKeyWithValue("label", "b-1"))
			Expect(res[0]).NotTo(HaveKey("cat"))
			Expect(res[0]).To(HaveKeyWithValue("meta", map[string]any{"seen": true}))
			// the input is left intact
			Expect(docs[0]).To(HaveKey("cat"))
		})

		It("should unset fields", func() {
			res, err := run("- $unset: [tags, amount]", docs[:1])
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal([]cursor.Document{{"_id": int64(1), "cat": "b"}}))
		})

		Context("with dotted fields over arrays", func() {
			var nested []cursor.Document

			BeforeEach(func() {
				nested = []cursor.Document{{"a": []any{
					map[string]any{"b": int64(1), "c": int64(2)},
					map[string]any{"b": int64(3)},
				}}}
			})

			It("should unset from each element", func() {
				res, err := run("- $unset: a.b", nested)
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal([]cursor.Document{{"a": []any{
					map[string]any{"c": int64(2)},
					map[string]any{},
				}}}))
			})

			It("should exclude from each element", func() {
				res, err := run(`- $project: {"a.b": 0}`, nested)
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal([]cursor.Document{{"a": []any{
					map[string]any{"c": int64(2)},
					map[string]any{},
				}}}))
			})

			It("should add to each element", func() {
				res, err := run(`- $addFields: {"a.b": 1}`, nested)
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal([]cursor.Document{{"a": []any{
					map[string]any{"b": float64(1), "c": int64(2)},
					map[string]any{"b": float64(1)},
				}}}))

				res, err = run(`- $addFields: {"a.b": 1}`, []cursor.Document{{"a": []any{}}})
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal([]cursor.Document{{"a": []any{}}}))
			})

			It("should leave the input untouched", func() {
				_, err := run("- $unset: a.b", nested)
				Expect(err).NotTo(HaveOccurred())
				Expect(nested[0]["a"].([]any)[0]).To(HaveKey("b"))
			})
		})

		It("should replace the root", func() {
			res, err := run("- $replaceRoot: {newRoot: {id: $_id}}", docs[:1])
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal([]cursor.Document{{"id": int64(1)}}))
		})

		It("should fail when the new root is not an object", func() {
			_, err := run("- $replaceWith: $cat", docs[:1])
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.CastError)).To(BeTrue())
		})
	})

	Describe("Unwinding", func() {
		It("should unwind arrays", func() {
			res, err := run("- $unwind: $tags", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(2))
			Expect(res[0]["tags"]).To(Equal("x"))
			Expect(res[1]["tags"]).To(Equal("y"))
		})

		It("should preserve null and empty arrays on request", func() {
			res, err := run(`
- $unwind:
    path: $tags
    includeArrayIndex: idx
    preserveNullAndEmptyArrays: true`, docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(HaveLen(4))
			Expect(res[1]["idx"]).To(Equal(int64(1)))
			Expect(res[2]["_id"]).To(Equal(int64(2)))
			Expect(res[2]).To(HaveKeyWithValue("idx", BeNil()))
			Expect(res[3]["_id"]).To(Equal(int64(3)))
		})
	})

	Describe("Sorting and counting", func() {
		It("should sort stably", func() {
			res, err := run("- $sort: {cat: 1}", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res[0]["_id"]).To(Equal(int64(2)))
			Expect(res[1]["_id"]).To(Equal(int64(1)))
			Expect(res[2]["_id"]).To(Equal(int64(3)))
		})

		It("should sort descending on multiple keys in list order", func() {
			res, err := run("- $sort: [{cat: -1}, {amount: -1}]", docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res[0]["_id"]).To(Equal(int64(3)))
			Expect(res[1]["_id"]).To(Equal(int64(1)))
			Expect(res[2]["_id"]).To(Equal(int64(2)))
		})

		It("should count", func() {
			res, err := run(`
- $match: {cat: b}
- $count: n`, docs)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal([]cursor.Document{{"n": int64(2)}}))
		})

		It("should emit nothing when counting an empty input", func() {
			res, err := run("- $count: n", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(BeEmpty())
		})
	})

	Describe("Errors and cancellation", func() {
		It("should attribute evaluation errors to the stage and the document", func() {
			docs[1]["when"] = "not-a-date"
			_, err := run("- $project: {when: {$toDate: $when}}", docs)
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.CastError)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("pipeline.0.$project"))
			Expect(err.Error()).To(ContainSubstring("document 1"))
		})

		It("should fail on a cancelled context", func() {
			p, err := newPipeline("- $match: {cat: b}")
			Expect(err).NotTo(HaveOccurred())
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err = p.EvaluateSlice(ctx, docs)
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.Cancelled)).To(BeTrue())
		})
	})

	Describe("Serializing", func() {
		It("should round-trip a pipeline", func() {
			p, err := newPipeline(`
- $match: {cat: b}
- $skip: 1
- $unwind: $tags
- $group: {_id: $cat, total: {$sum: $amount}}`)
			Expect(err).NotTo(HaveOccurred())

			q, err := New(nil, p.ToJSON())
			Expect(err).NotTo(HaveOccurred())
			Expect(q.ToJSON()).To(Equal(p.ToJSON()))
		})
	})
})

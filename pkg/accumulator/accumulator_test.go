package accumulator

import (
	"context"
	"math"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
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

func TestAccumulator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Accumulator")
}

func newAcc(def any) Accumulator {
	a, err := New(def, "acc", nil)
	Expect(err).NotTo(HaveOccurred())
	return a
}

// fold streams already evaluated inputs through an accumulator.
func fold(a Accumulator, inputs ...any) any {
	var state any
	for _, in := range inputs {
		next, err := a.Update(state, in)
		Expect(err).NotTo(HaveOccurred())
		state = next
	}
	return a.Value(state)
}

var _ = Describe("Accumulators", func() {
	Describe("Parsing", func() {
		It("should parse a known accumulator", func() {
			a := newAcc(map[string]any{"$sum": "$amount"})
			Expect(a.Name()).To(Equal("sum"))
			Expect(a.Path()).To(Equal("acc.$sum"))
			Expect(a.ToJSON()).To(Equal(map[string]any{"$sum": "$amount"}))
		})

		It("should reject unknown accumulators", func() {
			_, err := New(map[string]any{"$median": "$x"}, "acc", nil)
			Expect(err).To(HaveOccurred())
			f, ok := fault.As(err)
			Expect(ok).To(BeTrue())
			Expect(f.Code).To(Equal(fault.UnknownOperator))
			Expect(f.Path).To(Equal("acc.$median"))
		})

		It("should reject malformed definitions", func() {
			for _, def := range []any{
				"$x",
				map[string]any{},
				map[string]any{"$sum": 1, "$avg": 1},
			} {
				_, err := New(def, "acc", nil)
				Expect(err).To(HaveOccurred())
				Expect(fault.Is(err, fault.InvalidArgument)).To(BeTrue())
			}
		})

		It("should propagate operand parse errors", func() {
			_, err := New(map[string]any{"$sum": map[string]any{"$nosuch": 1}}, "acc", nil)
			Expect(err).To(HaveOccurred())
			f, ok := fault.As(err)
			Expect(ok).To(BeTrue())
			Expect(f.Path).To(Equal("acc.$sum.$nosuch"))
		})
	})

	Describe("$sum", func() {
		It("should add numeric inputs only", func() {
			Expect(fold(newAcc(map[string]any{"$sum": "$x"}), int64(1), "2", nil, int64(3))).
				To(Equal(int64(6)))
		})

		It("should return null without numeric inputs", func() {
			Expect(fold(newAcc(map[string]any{"$sum": "$x"}), nil, "abc", true)).To(BeNil())
		})

		It("should switch to floats", func() {
			Expect(fold(newAcc(map[string]any{"$sum": "$x"}), int64(1), 0.5)).To(Equal(1.5))
		})
	})

	Describe("$avg", func() {
		It("should average numeric inputs", func() {
			Expect(fold(newAcc(map[string]any{"$avg": "$x"}), int64(1), "x", int64(2), types.Undefined)).
				To(Equal(1.5))
		})

		It("should return null without numeric inputs", func() {
			Expect(fold(newAcc(map[string]any{"$avg": "$x"}))).To(BeNil())
		})
	})

	Describe("$count", func() {
		It("should count contributing inputs", func() {
			Expect(fold(newAcc(map[string]any{"$count": map[string]any{}}), int64(0), nil, types.Empty, false)).
				To(Equal(int64(3)))
		})

		It("should start from zero", func() {
			Expect(fold(newAcc(map[string]any{"$count": map[string]any{}}))).To(Equal(int64(0)))
		})
	})

	Describe("$push", func() {
		It("should preserve the input order", func() {
			Expect(fold(newAcc(map[string]any{"$push": "$x"}), "b", types.Undefined, "a", nil, "b")).
				To(Equal([]any{"b", "a", nil, "b"}))
		})
	})

	Describe("$addToSet", func() {
		It("should deduplicate by content", func() {
			v := fold(newAcc(map[string]any{"$addToSet": "$x"}), int64(1), "1", int64(1))
			Expect(v).To(HaveLen(2))
			Expect(v).To(Equal([]any{int64(1), "1"}))
		})

		It("should treat equal numbers and objects as duplicates", func() {
			v := fold(newAcc(map[string]any{"$addToSet": "$x"}),
				int64(2), 2.0, map[string]any{"a": int64(1), "b": "x"}, map[string]any{"b": "x", "a": 1.0},
				types.Empty)
			Expect(v).To(HaveLen(2))
		})

		It("should deduplicate non-finite numbers", func() {
			v := fold(newAcc(map[string]any{"$addToSet": "$x"}), math.Inf(1), math.Inf(-1), math.Inf(1), math.NaN())
			Expect(v).To(HaveLen(3))
			Expect(v.([]any)[:2]).To(Equal([]any{math.Inf(1), math.Inf(-1)}))
		})

		It("should normalize ObjectIds to their hex form", func() {
			id := bson.NewObjectID()
			v := fold(newAcc(map[string]any{"$addToSet": "$x"}), id, id.Hex())
			Expect(v).To(Equal([]any{id}))
		})
	})

	Describe("$first and $last", func() {
		It("should keep the last contributing input", func() {
			Expect(fold(newAcc(map[string]any{"$last": "$x"}), types.Empty, "a", types.Undefined, "b")).
				To(Equal("b"))
		})

		It("should keep the first contributing input", func() {
			Expect(fold(newAcc(map[string]any{"$first": "$x"}), types.Undefined, nil, "a", "b")).
				To(BeNil())
			Expect(fold(newAcc(map[string]any{"$first": "$x"}), types.Empty, "a", "b")).
				To(Equal("a"))
		})

		It("should be undefined without input", func() {
			Expect(fold(newAcc(map[string]any{"$last": "$x"}))).To(BeIdenticalTo(types.Undefined))
		})
	})

	Describe("$max and $min", func() {
		It("should keep the first of equal maxima", func() {
			Expect(fold(newAcc(map[string]any{"$max": "$x"}), int64(5), int64(5), int64(3), int64(5))).
				To(Equal(int64(5)))
		})

		It("should compare with the type of the first input", func() {
			// numeric strings are compared as numbers once a number was seen
			Expect(fold(newAcc(map[string]any{"$max": "$x"}), int64(5), "10", int64(7))).
				To(Equal("10"))
			Expect(fold(newAcc(map[string]any{"$max": "$x"}), 2.5, int64(3), 2.9)).
				To(Equal(int64(3)))
		})

		It("should skip unset inputs", func() {
			Expect(fold(newAcc(map[string]any{"$min": "$x"}), nil, int64(4), types.Undefined, int64(2), nil)).
				To(Equal(int64(2)))
			Expect(fold(newAcc(map[string]any{"$max": "$x"}), nil, types.Empty)).To(BeNil())
		})

		It("should fall back to the cross-type order", func() {
			Expect(fold(newAcc(map[string]any{"$max": "$x"}), int64(5), map[string]any{"a": int64(1)})).
				To(Equal(map[string]any{"a": int64(1)}))
		})
	})

	Describe("$mergeObjects", func() {
		It("should merge objects with the last write winning", func() {
			Expect(fold(newAcc(map[string]any{"$mergeObjects": "$x"}),
				map[string]any{"a": int64(1), "b": int64(1)}, "skip", nil, types.Empty,
				map[string]any{"b": int64(2)})).
				To(Equal(map[string]any{"a": int64(1), "b": int64(2)}))
		})
	})

	Describe("Accumulate", func() {
		It("should evaluate the operand against the document", func() {
			a := newAcc(map[string]any{"$sum": map[string]any{"$multiply": []any{"$price", "$qty"}}})
			var state any
			for _, doc := range []map[string]any{
				{"price": int64(2), "qty": int64(3)},
				{"price": int64(5)},
				{"price": int64(1), "qty": int64(4)},
			} {
				next, err := a.Accumulate(expression.NewEvalCtx(context.Background(), nil, doc, logger), state)
				Expect(err).NotTo(HaveOccurred())
				state = next
			}
			Expect(a.Value(state)).To(Equal(int64(10)))
		})

		It("should propagate operand errors", func() {
			a := newAcc(map[string]any{"$push": map[string]any{"$divide": []any{1, "$x"}}})
			_, err := a.Accumulate(expression.NewEvalCtx(context.Background(), nil,
				map[string]any{"x": int64(0)}, logger), nil)
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.InvalidArgument)).To(BeTrue())
		})

		It("should stop on a cancelled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			a := newAcc(map[string]any{"$count": map[string]any{}})
			_, err := a.Accumulate(expression.NewEvalCtx(ctx, nil, nil, logger), nil)
			Expect(err).To(HaveOccurred())
			Expect(fault.Is(err, fault.Cancelled)).To(BeTrue())
		})
	})
})

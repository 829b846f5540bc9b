package fault

import (
	"context"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFault(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Fault")
}

var _ = Describe("Faults", func() {
	It("should render code, reason and path", func() {
		err := NewInvalidArgument("pipeline.0.$skip", "Stage $skip requires a positive integer.")
		Expect(err.Error()).To(Equal("invalidArgument: Stage $skip requires a positive integer. (path pipeline.0.$skip)"))
	})

	It("should be found through wrapping", func() {
		err := fmt.Errorf("stage failed: %w", NewUndefinedVariable("$$x", "x"))
		f, ok := As(err)
		Expect(ok).To(BeTrue())
		Expect(f.Code).To(Equal(UndefinedVariable))
		Expect(Is(err, UndefinedVariable)).To(BeTrue())
		Expect(Is(err, CastError)).To(BeFalse())
	})

	It("should match nested causes", func() {
		err := NewCastError("a", "outer", NewCancelled("a.b", context.Canceled))
		Expect(Is(err, Cancelled)).To(BeTrue())
		Expect(err).To(MatchError(context.Canceled))
	})

	It("should join paths", func() {
		Expect(Join("", "$add")).To(Equal("$add"))
		Expect(Join("pipeline", 1, "$group", "total")).To(Equal("pipeline.1.$group.total"))
	})
})

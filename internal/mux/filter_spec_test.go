package mux_test

import (
	"github.com/rpurdie/udev-view/internal/mux"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Any", func() {
	It("should accept everything", func() {
		accept := mux.Any[int]()
		Expect(accept(0)).To(BeTrue())
		Expect(accept(-1)).To(BeTrue())
	})
})

var _ = Describe("Not", func() {
	It("should invert the filter condition", func() {
		isEven := func(n int) bool {
			return n%2 == 0
		}

		isOdd := mux.Not(isEven)

		Expect(isEven(2)).To(BeTrue())
		Expect(isOdd(2)).To(BeFalse())

		Expect(isEven(3)).To(BeFalse())
		Expect(isOdd(3)).To(BeTrue())
	})
})

var _ = Describe("Or", func() {
	It("should return true if any filter returns true", func() {
		isEven := func(n int) bool { return n%2 == 0 }
		isDivisibleBy3 := func(n int) bool { return n%3 == 0 }

		combined := mux.Or(isEven, isDivisibleBy3)

		Expect(combined(1)).To(BeFalse())
		Expect(combined(2)).To(BeTrue())
		Expect(combined(3)).To(BeTrue())
		Expect(combined(5)).To(BeFalse())
		Expect(combined(6)).To(BeTrue())
	})

	It("should return false when no filters provided", func() {
		combined := mux.Or[int]()
		Expect(combined(42)).To(BeFalse())
	})
})

var _ = Describe("And", func() {
	It("should return true only if all filters return true", func() {
		isEven := func(n int) bool { return n%2 == 0 }
		isDivisibleBy3 := func(n int) bool { return n%3 == 0 }

		combined := mux.And(isEven, isDivisibleBy3)

		Expect(combined(2)).To(BeFalse())
		Expect(combined(3)).To(BeFalse())
		Expect(combined(6)).To(BeTrue())
	})

	It("should return true when no filters provided", func() {
		combined := mux.And[int]()
		Expect(combined(42)).To(BeTrue())
	})
})

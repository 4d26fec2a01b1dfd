package dsl

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestDSL(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "DSL Compiler Suite")
}

var _ = Describe("Compiler", func() {
	var c *Compiler

	BeforeEach(func() {
		var err error
		c, err = New()
		Expect(err).NotTo(HaveOccurred())
	})

	Context("when an assertion is missing its table", func() {
		It("fails validation", func() {
			spec := map[string]any{
				"assertions": []any{
					map[string]any{"diff_type": "added"},
				},
			}
			err := c.Validate(spec)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when expected_changes shorthand is used outside a changed assertion", func() {
		It("leaves the field untouched rather than expanding it", func() {
			spec := map[string]any{
				"assertions": []any{
					map[string]any{
						"diff_type": "added",
						"table":     "orders",
						"expected_changes": map[string]any{
							"status": "paid",
						},
					},
				},
			}
			got := c.Normalize(spec)
			assertions := got["assertions"].([]any)
			changes := assertions[0].(map[string]any)["expected_changes"].(map[string]any)
			Expect(changes["status"]).To(Equal("paid"))
		})
	})

	Context("count shorthand", func() {
		It("is preserved verbatim through normalization", func() {
			spec := map[string]any{
				"assertions": []any{
					map[string]any{
						"diff_type": "added",
						"table":     "orders",
						"count":     map[string]any{"min": 1, "max": 3},
					},
				},
			}
			got := c.Normalize(spec)
			assertions := got["assertions"].([]any)
			count := assertions[0].(map[string]any)["count"].(map[string]any)
			Expect(count["min"]).To(Equal(1))
			Expect(count["max"]).To(Equal(3))
		})
	})
})

package redmine_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	redmine "github.com/JohnPlummer/jp-go-redmine"
)

var _ = Describe("Schema", func() {
	var schema *redmine.Schema

	BeforeEach(func() {
		schema = &redmine.Schema{
			Required: []string{"project_id", "subject"},
			Types: map[string][]redmine.Kind{
				"project_id":  {redmine.KindInteger, redmine.KindString},
				"subject":     {redmine.KindString},
				"watcher_ids": {redmine.KindArray},
			},
			NonEmpty: []string{"subject"},
		}
	})

	validationError := func(body any) *redmine.ValidationError {
		err := schema.Validate(body)
		Expect(err).To(HaveOccurred())

		var verr *redmine.ValidationError
		Expect(errors.As(err, &verr)).To(BeTrue())
		return verr
	}

	It("should accept a valid body", func() {
		Expect(schema.Validate(map[string]any{"project_id": 1, "subject": "Broken build"})).To(Succeed())
		Expect(schema.Validate(map[string]any{"project_id": "core", "subject": "x", "extra": true})).To(Succeed())
	})

	It("should accept a nil schema", func() {
		var none *redmine.Schema
		Expect(none.Validate(map[string]any{})).To(Succeed())
	})

	It("should report every missing required field", func() {
		verr := validationError(map[string]any{})
		Expect(verr.Phase).To(Equal(redmine.PhaseRequired))
		Expect(verr.Fields()).To(Equal([]string{"project_id", "subject"}))
		Expect(verr.FieldErrors).To(HaveKeyWithValue("subject", "is required"))
		Expect(verr.Error()).To(ContainSubstring("project_id, subject"))
	})

	It("should treat null as missing", func() {
		verr := validationError(map[string]any{"project_id": nil, "subject": "x"})
		Expect(verr.Phase).To(Equal(redmine.PhaseRequired))
		Expect(verr.Fields()).To(Equal([]string{"project_id"}))
	})

	It("should check declared types after presence", func() {
		verr := validationError(map[string]any{"project_id": true, "subject": "x"})
		Expect(verr.Phase).To(Equal(redmine.PhaseType))
		Expect(verr.FieldErrors["project_id"]).To(ContainSubstring("integer|string"))
		Expect(verr.FieldErrors["project_id"]).To(ContainSubstring("boolean"))
	})

	It("should reject fractional numbers for integer fields", func() {
		verr := validationError(map[string]any{"project_id": 1.5, "subject": "x"})
		Expect(verr.Phase).To(Equal(redmine.PhaseType))
	})

	It("should accept whole JSON numbers for integer fields", func() {
		Expect(schema.Validate(map[string]any{"project_id": float64(3), "subject": "x"})).To(Succeed())
	})

	It("should check optional typed fields only when present", func() {
		Expect(schema.Validate(map[string]any{"project_id": 1, "subject": "x"})).To(Succeed())

		verr := validationError(map[string]any{"project_id": 1, "subject": "x", "watcher_ids": "3"})
		Expect(verr.Phase).To(Equal(redmine.PhaseType))
		Expect(verr.Fields()).To(Equal([]string{"watcher_ids"}))
	})

	It("should report blank values separately from missing ones", func() {
		verr := validationError(map[string]any{"project_id": 1, "subject": "   "})
		Expect(verr.Phase).To(Equal(redmine.PhaseNonEmpty))
		Expect(verr.FieldErrors).To(HaveKeyWithValue("subject", "cannot be empty"))
		Expect(verr.Error()).To(ContainSubstring("cannot be empty"))
	})

	It("should validate typed structs by their JSON field names", func() {
		type issue struct {
			ProjectID int    `json:"project_id"`
			Subject   string `json:"subject"`
		}
		Expect(schema.Validate(issue{ProjectID: 1, Subject: "x"})).To(Succeed())

		verr := validationError(issue{ProjectID: 1})
		Expect(verr.Phase).To(Equal(redmine.PhaseNonEmpty))
	})

	It("should reject bodies that are not JSON objects", func() {
		verr := validationError([]string{"a"})
		Expect(verr.FieldErrors).To(HaveKey("body"))
	})
})

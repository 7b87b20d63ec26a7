package redmine_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	redmine "github.com/JohnPlummer/jp-go-redmine"
)

var _ = Describe("Result", func() {
	It("should expose object payloads as a map", func() {
		res := redmine.Result{Data: map[string]any{"id": 1}}
		Expect(res.IsError()).To(BeFalse())
		Expect(res.Map()).To(HaveKeyWithValue("id", 1))
	})

	It("should return nil for non-object payloads", func() {
		res := redmine.Result{Data: []any{1, 2}}
		Expect(res.Map()).To(BeNil())
	})

	It("should return the envelope from Decode on failure", func() {
		env := &redmine.ErrorEnvelope{IsError: true, ErrorCode: redmine.CodeNotFound, StatusCode: 404, Message: "gone"}
		res := redmine.Result{Err: env}

		var out map[string]any
		err := res.Decode(&out)
		Expect(err).To(MatchError(env))
		Expect(err.Error()).To(ContainSubstring("NOT_FOUND"))
	})

	It("should omit empty details and context when marshaled", func() {
		env := &redmine.ErrorEnvelope{IsError: true, ErrorCode: redmine.CodeServer, StatusCode: 500, Message: "x"}
		raw, err := json.Marshal(env)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).NotTo(ContainSubstring("details"))
		Expect(string(raw)).NotTo(ContainSubstring("context"))
	})
})

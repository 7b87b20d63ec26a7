package redmine_test

import (
	"errors"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	redmine "github.com/JohnPlummer/jp-go-redmine"
)

var _ = Describe("Config", func() {
	setenv := func(key, value string) {
		Expect(os.Setenv(key, value)).To(Succeed())
		DeferCleanup(os.Unsetenv, key)
	}

	BeforeEach(func() {
		for _, key := range []string{
			"REDMINE_URL", "REDMINE_API_KEY", "REDMINE_MAX_RETRIES", "REDMINE_BASE_DELAY",
			"REDMINE_MAX_DELAY", "REDMINE_BACKOFF_FACTOR", "REDMINE_TIMEOUT",
			"REDMINE_HEALTH_CHECK_INTERVAL", "REDMINE_RATE_LIMIT", "REDMINE_RATE_BURST",
			"REDMINE_CIRCUIT_BREAKER",
		} {
			if value, ok := os.LookupEnv(key); ok {
				Expect(os.Unsetenv(key)).To(Succeed())
				DeferCleanup(os.Setenv, key, value)
			}
		}
	})

	Describe("LoadConfig", func() {
		It("should apply defaults", func() {
			setenv("REDMINE_URL", "https://redmine.example.com/")
			setenv("REDMINE_API_KEY", "secret")

			cfg, err := redmine.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.MaxRetries).To(Equal(3))
			Expect(cfg.BaseDelay).To(Equal(time.Second))
			Expect(cfg.MaxDelay).To(Equal(60 * time.Second))
			Expect(cfg.BackoffFactor).To(Equal(2.0))
			Expect(cfg.Timeout).To(Equal(30 * time.Second))
			Expect(cfg.HealthCheckInterval).To(Equal(300 * time.Second))
			Expect(cfg.CircuitBreaker).To(BeFalse())
			Expect(cfg.RetryPolicy()).To(Equal(redmine.DefaultRetryPolicy()))
		})

		It("should read overrides", func() {
			setenv("REDMINE_URL", "http://localhost:3000")
			setenv("REDMINE_API_KEY", "secret")
			setenv("REDMINE_MAX_RETRIES", "5")
			setenv("REDMINE_BASE_DELAY", "250ms")
			setenv("REDMINE_BACKOFF_FACTOR", "1.5")
			setenv("REDMINE_TIMEOUT", "10s")
			setenv("REDMINE_RATE_LIMIT", "2.5")
			setenv("REDMINE_CIRCUIT_BREAKER", "true")

			cfg, err := redmine.LoadConfig()
			Expect(err).NotTo(HaveOccurred())

			p := cfg.RetryPolicy()
			Expect(p.MaxRetries).To(Equal(5))
			Expect(p.BaseDelay).To(Equal(250 * time.Millisecond))
			Expect(p.BackoffFactor).To(Equal(1.5))
			Expect(p.Timeout).To(Equal(10 * time.Second))
			Expect(cfg.RateLimit).To(Equal(2.5))
			Expect(cfg.CircuitBreaker).To(BeTrue())

			client, err := redmine.NewFromConfig(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Connection().Policy()).To(Equal(p))
			Expect(client.Connection().Circuit().Enabled).To(BeTrue())
		})

		It("should require the URL and API key", func() {
			_, err := redmine.LoadConfig()
			var cerr *redmine.ConfigurationError
			Expect(errors.As(err, &cerr)).To(BeTrue())
		})

		It("should reject an invalid policy", func() {
			setenv("REDMINE_URL", "https://redmine.example.com")
			setenv("REDMINE_API_KEY", "secret")
			setenv("REDMINE_BACKOFF_FACTOR", "1")

			_, err := redmine.LoadConfig()
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Validate", func() {
		It("should reject a malformed URL", func() {
			cfg := &redmine.Config{
				URL:                 "not a url",
				APIKey:              "secret",
				MaxRetries:          3,
				BaseDelay:           time.Second,
				MaxDelay:            time.Minute,
				BackoffFactor:       2,
				Timeout:             time.Second,
				HealthCheckInterval: time.Minute,
			}
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should reject a negative rate limit", func() {
			cfg := &redmine.Config{
				URL:                 "https://redmine.example.com",
				APIKey:              "secret",
				MaxRetries:          3,
				BaseDelay:           time.Second,
				MaxDelay:            time.Minute,
				BackoffFactor:       2,
				Timeout:             time.Second,
				HealthCheckInterval: time.Minute,
				RateLimit:           -1,
			}
			Expect(cfg.Validate()).NotTo(Succeed())
		})
	})

	Describe("NewFromConfig", func() {
		It("should reject a nil config", func() {
			_, err := redmine.NewFromConfig(nil)
			Expect(err).To(HaveOccurred())
		})
	})
})

package shopping

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("LocalStorage", func() {
	var (
		ctx     context.Context
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			filename string
			data     []byte
			key      string
			err      error
		)

		BeforeEach(func() {
			filename = "test.jpg"
			data = []byte("test file content")
		})

		JustBeforeEach(func() {
			key, err = storage.Save(ctx, filename, data)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the key", func() {
				Expect(key).To(Equal(filename))
			})

			It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, filename)).To(BeAnExistingFile())
			})
		})

		When("the filename contains directories", func() {
			BeforeEach(func() {
				filename = "../../escape.jpg"
			})

			It("should keep the file inside the base path", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(key).To(Equal("escape.jpg"))
				Expect(filepath.Join(tmpDir, "escape.jpg")).To(BeAnExistingFile())
			})
		})
	})

	Describe("Get", func() {
		When("the file exists", func() {
			It("should return its contents", func() {
				Expect(os.WriteFile(filepath.Join(tmpDir, "a.jpg"), []byte("abc"), 0644)).To(Succeed())
				data, err := storage.Get(ctx, "a.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("abc")))
			})
		})

		When("the file does not exist", func() {
			It("should return an error", func() {
				_, err := storage.Get(ctx, "missing.jpg")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Delete", func() {
		It("should remove the file", func() {
			key, err := storage.Save(ctx, "b.jpg", []byte("abc"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete(ctx, key)).To(Succeed())
			Expect(filepath.Join(tmpDir, "b.jpg")).NotTo(BeAnExistingFile())
		})

		It("should fail for a missing file", func() {
			Expect(storage.Delete(ctx, "missing.jpg")).NotTo(Succeed())
		})
	})
})

var _ = Describe("S3Storage", func() {
	var (
		ctx     context.Context
		server  *ghttp.Server
		storage *S3Storage
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = ghttp.NewServer()
		DeferCleanup(server.Close)

		var err error
		storage, err = NewS3Storage(ctx, S3Config{
			Bucket:    "receipts",
			Region:    "us-east-1",
			Endpoint:  server.URL(),
			AccessKey: "test",
			SecretKey: "secret",
			Prefix:    "/uploads/",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires a bucket", func() {
		_, err := NewS3Storage(ctx, S3Config{Region: "us-east-1"})
		Expect(err).To(MatchError(ContainSubstring("bucket")))
	})

	Describe("Save", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPut, "/receipts/uploads/r1.jpg"),
				ghttp.RespondWith(http.StatusOK, ""),
			))
		})

		It("should upload under the prefix and return the key", func() {
			key, err := storage.Save(ctx, "nested/r1.jpg", []byte("jpeg bytes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(Equal("uploads/r1.jpg"))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	Describe("Get", func() {
		When("the object exists", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/receipts/uploads/r1.jpg"),
					ghttp.RespondWith(http.StatusOK, "jpeg bytes"),
				))
			})

			It("should return its contents", func() {
				data, err := storage.Get(ctx, "uploads/r1.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("jpeg bytes"))
			})
		})

		When("the object is missing", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/receipts/uploads/gone.jpg"),
					ghttp.RespondWith(http.StatusNotFound,
						`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
						http.Header{"Content-Type": []string{"application/xml"}}),
				))
			})

			It("should return an error", func() {
				_, err := storage.Get(ctx, "uploads/gone.jpg")
				Expect(err).To(MatchError(ContainSubstring("downloading uploads/gone.jpg")))
			})
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodDelete, "/receipts/uploads/r1.jpg"),
				ghttp.RespondWith(http.StatusNoContent, ""),
			))
		})

		It("should delete the object", func() {
			Expect(storage.Delete(ctx, "uploads/r1.jpg")).To(Succeed())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})
})

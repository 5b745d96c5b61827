package shopping

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/shoplist/internal/reconcile"
	"github.com/zombor/shoplist/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *BoltDB
		storage     *mockStorage
		embedder    *mockEmbedder
		describer   *mockDescriber
		analyzer    *mockAnalyzer
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		timeSrc := &mockTimeSource{now: time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)}
		service := NewServiceWithDeps(db, storage, embedder, describer, &mockIDGenerator{prefix: "receipt"}, timeSrc)
		engine := reconcile.NewEngineWithDeps(analyzer, embedder, service.ReconcileStore(),
			reconcile.NewMemoryStore(time.Hour), reconcile.DefaultConfig(), &mockIDGenerator{prefix: "session"}, timeSrc)
		server = NewServerWithMux(service, engine, auth, http.NewServeMux())
	}

	// do sends one request through the server's full handler chain
	do := func(method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
		ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, data
	}

	doJSON := func(method, path string, v any) (*http.Response, []byte) {
		var body io.Reader
		if v != nil {
			data, err := json.Marshal(v)
			Expect(err).NotTo(HaveOccurred())
			body = bytes.NewReader(data)
		}
		return do(method, path, body, "application/json")
	}

	upload := func(path, filename string, data []byte, fields map[string]string) (*http.Response, []byte) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range fields {
			Expect(w.WriteField(k, v)).To(Succeed())
		}
		if filename != "" {
			part, err := w.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(data)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(w.Close()).To(Succeed())
		return do(http.MethodPost, path, &buf, w.FormDataContentType())
	}

	decode := func(data []byte, v any) {
		ExpectWithOffset(1, json.Unmarshal(data, v)).To(Succeed(), string(data))
	}

	BeforeEach(func() {
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		storage = newMockStorage()
		embedder = newMockEmbedder()
		describer = &mockDescriber{}
		analyzer = &mockAnalyzer{data: &scanning.ReceiptData{}}
		auth = BasicAuth{}
		ghttpServer = ghttp.NewServer()
		DeferCleanup(ghttpServer.Close)
	})

	JustBeforeEach(func() {
		setupServer()
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should serve the health check without credentials", func() {
			ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject API requests without credentials", func() {
			ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
			resp, err := http.Get(ghttpServer.URL() + "/api/items")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should reject wrong credentials", func() {
			ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/items", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:wrong")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept the configured credentials", func() {
			resp, _ := do(http.MethodGet, "/api/items", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp, _ := do(http.MethodOptions, "/api/items", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("items", func() {
		It("should create and list items", func() {
			resp, body := doJSON(http.MethodPost, "/api/items", map[string]any{"name": "Milk"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var item ListItem
			decode(body, &item)
			Expect(item.ID).To(Equal(int64(1)))

			resp, body = do(http.MethodGet, "/api/items", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			var items []ListItem
			decode(body, &items)
			Expect(items).To(HaveLen(1))
			Expect(items[0].Name).To(Equal("Milk"))
		})

		It("should return an empty array when there are no items", func() {
			_, body := do(http.MethodGet, "/api/items", nil, "")
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should report invalid fields", func() {
			resp, body := doJSON(http.MethodPost, "/api/items", map[string]any{"name": ""})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var payload struct {
				Fields map[string]string `json:"fields"`
			}
			decode(body, &payload)
			Expect(payload.Fields).To(HaveKeyWithValue("Name", "required"))
		})

		It("should reject malformed JSON", func() {
			resp, _ := do(http.MethodPost, "/api/items", strings.NewReader("{"), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should check an item", func() {
			doJSON(http.MethodPost, "/api/items", map[string]any{"name": "Milk"})
			resp, body := doJSON(http.MethodPut, "/api/items", map[string]any{"id": 1, "checked": true, "price": 1.29})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var item ListItem
			decode(body, &item)
			Expect(item.Checked).To(BeTrue())
			Expect(*item.Price).To(Equal(1.29))
		})

		It("should delete an item", func() {
			doJSON(http.MethodPost, "/api/items", map[string]any{"name": "Milk"})
			resp, _ := do(http.MethodDelete, "/api/items/1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})

		It("should return 404 for unknown items", func() {
			resp, _ := do(http.MethodDelete, "/api/items/42", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return 400 for invalid ids", func() {
			resp, _ := do(http.MethodDelete, "/api/items/abc", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should page archived items", func() {
			resp, body := do(http.MethodGet, "/api/archived-items?page=x&limit=5", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var page map[string]any
			decode(body, &page)
			Expect(page).To(HaveKeyWithValue("currentPage", BeNumerically("==", 1)))
			Expect(page).To(HaveKeyWithValue("totalItems", BeNumerically("==", 0)))
			Expect(page).To(HaveKeyWithValue("items", BeEmpty()))
		})
	})

	Describe("tags and people", func() {
		It("should return 409 for a duplicate tag", func() {
			resp, _ := doJSON(http.MethodPost, "/api/tags", map[string]any{"name": "Coop", "color": "ff0000"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp, _ = doJSON(http.MethodPost, "/api/tags", map[string]any{"name": "Coop", "color": "ff0000"})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should soft-delete people", func() {
			doJSON(http.MethodPost, "/api/people", map[string]any{"name": "Ada", "color": "00ff00"})
			resp, _ := do(http.MethodDelete, "/api/people/1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			_, body := do(http.MethodGet, "/api/people", nil, "")
			var people []Person
			decode(body, &people)
			Expect(people).To(BeEmpty())
		})
	})

	Describe("receipts", func() {
		JustBeforeEach(func() {
			doJSON(http.MethodPost, "/api/items", map[string]any{"name": "Wine"})
		})

		It("should attach, find and serve a receipt", func() {
			resp, body := upload("/api/receipts", "receipt.png", pngBytes(20, 20), map[string]string{"itemId": "1"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var receipt Receipt
			decode(body, &receipt)
			Expect(receipt.ContentType).To(Equal("image/jpeg"))

			_, body = do(http.MethodGet, "/api/receipts?itemId=1", nil, "")
			var receipts []Receipt
			decode(body, &receipts)
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].ID).To(Equal(receipt.ID))

			resp, body = do(http.MethodGet, "/api/receipts/1/file", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			Expect(body).NotTo(BeEmpty())
		})

		It("should return an empty list for items without a receipt", func() {
			resp, body := do(http.MethodGet, "/api/receipts?itemId=1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should require an itemId", func() {
			resp, _ := do(http.MethodGet, "/api/receipts", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should require a file", func() {
			resp, _ := upload("/api/receipts", "", nil, map[string]string{"itemId": "1"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for a missing file", func() {
			resp, _ := do(http.MethodGet, "/api/receipts/9/file", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("model helpers", func() {
		It("should embed text", func() {
			embedder.vectors["olive oil"] = []float64{0.1, 0.2}
			resp, body := doJSON(http.MethodPost, "/api/embeddings", map[string]any{"text": "olive oil"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var payload struct {
				Embedding []float64 `json:"embedding"`
			}
			decode(body, &payload)
			Expect(payload.Embedding).To(Equal([]float64{0.1, 0.2}))
		})

		It("should describe items", func() {
			describer.descriptions = []scanning.Description{{EN: "tomatoes", IT: "pomodori"}}
			resp, body := doJSON(http.MethodPost, "/api/itemdescription", map[string]any{"name": "tomatoes"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var payload struct {
				Descriptions []scanning.Description `json:"descriptions"`
			}
			decode(body, &payload)
			Expect(payload.Descriptions).To(HaveLen(1))
		})

		It("should search by vector", func() {
			embedder.vectors["Milk"] = []float64{1, 0, 0}
			doJSON(http.MethodPost, "/api/items", map[string]any{"name": "Milk"})
			resp, body := doJSON(http.MethodPost, "/api/vector-search", map[string]any{"embeddings": []float64{1, 0, 0}})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var results []SearchResult
			decode(body, &results)
			Expect(results).To(HaveLen(1))
			Expect(results[0].ID).To(Equal(int64(1)))
		})
	})

	Describe("reconciliation", func() {
		var sessionID string

		analyze := func() (*http.Response, []byte) {
			return upload("/api/reconciliations", "receipt.png", pngBytes(20, 20), nil)
		}

		BeforeEach(func() {
			embedder.vectors["Milk"] = []float64{1, 0, 0}
			embedder.vectors["MILK UHT"] = []float64{1, 0, 0}
			embedder.vectors["BREAD"] = []float64{0, 1, 0}
			analyzer.data = &scanning.ReceiptData{
				Date:  "2024-03-19",
				Place: "Coop",
				Items: []scanning.LineItem{
					{Name: "MILK UHT", Price: 1.2},
					{Name: "BREAD", Price: 2.5},
				},
			}
		})

		JustBeforeEach(func() {
			resp, _ := doJSON(http.MethodPost, "/api/items", map[string]any{"name": "Milk"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		When("the receipt is analyzed", func() {
			JustBeforeEach(func() {
				resp, body := analyze()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(body))
				var session map[string]any
				decode(body, &session)
				sessionID = session["id"].(string)
				Expect(session).NotTo(HaveKey("image"))
			})

			It("should auto-match lines to unchecked items", func() {
				_, body := do(http.MethodGet, "/api/reconciliations/"+sessionID, nil, "")
				var session struct {
					Place string           `json:"place"`
					Lines []reconcile.Line `json:"lines"`
				}
				decode(body, &session)
				Expect(session.Place).To(Equal("Coop"))
				Expect(session.Lines).To(HaveLen(2))
				Expect(session.Lines[0].Match.State).To(Equal(reconcile.StateAutoMatched))
				Expect(*session.Lines[0].Match.TargetID).To(Equal(int64(1)))
				Expect(session.Lines[1].Match.State).To(Equal(reconcile.StateUnmatched))
			})

			It("should commit the matched lines", func() {
				resp, body := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/commit", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				var result reconcile.CommitResult
				decode(body, &result)
				Expect(result.Applied).To(HaveLen(1))
				Expect(result.Applied[0].Price).To(Equal(1.2))

				_, body = do(http.MethodGet, "/api/items", nil, "")
				var items []ListItem
				decode(body, &items)
				Expect(items[0].Checked).To(BeTrue())
				Expect(*items[0].ReceiptID).To(Equal(result.ReceiptID))

				resp, _ = do(http.MethodGet, "/api/reconciliations/"+sessionID, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})

			It("should reject a commit assigning an unknown person", func() {
				resp, _ := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/commit", map[string]any{"person_id": 7})
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(storage.files).To(BeEmpty())
			})

			It("should return 400 when nothing targets an item", func() {
				resp, _ := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/lines/0/ignore", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				resp, _ = doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/commit", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should create an item for a line", func() {
				resp, body := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/lines/1/create", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				var session struct {
					Lines []reconcile.Line `json:"lines"`
				}
				decode(body, &session)
				Expect(session.Lines[1].Match.State).To(Equal(reconcile.StateCreatedNew))
				Expect(*session.Lines[1].Match.TargetID).To(Equal(int64(2)))
			})

			It("should bulk-create and undo", func() {
				resp, body := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/bulk-create", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				var session struct {
					BulkCreated []int64 `json:"bulk_created"`
				}
				decode(body, &session)
				Expect(session.BulkCreated).To(Equal([]int64{2}))

				resp, body = do(http.MethodDelete, "/api/reconciliations/"+sessionID+"/bulk-create", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				decode(body, &session)
				Expect(session.BulkCreated).To(BeEmpty())

				_, body = do(http.MethodGet, "/api/items", nil, "")
				var items []ListItem
				decode(body, &items)
				Expect(items).To(HaveLen(1))
			})

			It("should reject repointing to an item outside the pool", func() {
				resp, _ := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/lines/1/repoint", map[string]any{"item_id": 99})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should require an item id to repoint", func() {
				resp, _ := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/lines/1/repoint", map[string]any{})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should return 404 for an unknown line", func() {
				resp, _ := doJSON(http.MethodPost, "/api/reconciliations/"+sessionID+"/lines/9/ignore", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})

			It("should discard the session", func() {
				resp, _ := do(http.MethodDelete, "/api/reconciliations/"+sessionID, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				resp, _ = do(http.MethodDelete, "/api/reconciliations/"+sessionID, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		When("the receipt is unreadable", func() {
			BeforeEach(func() {
				analyzer.err = &scanning.AnalysisError{Reason: "model answered ERROR", Err: scanning.ErrUnreadable}
			})

			It("should return 422", func() {
				resp, body := analyze()
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				var payload map[string]any
				decode(body, &payload)
				Expect(payload).To(HaveKeyWithValue("unreadable", true))
			})
		})

		It("should return 404 for an unknown session", func() {
			resp, _ := do(http.MethodGet, "/api/reconciliations/nope", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})

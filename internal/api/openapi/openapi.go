// Пакет openapi — встроенный OpenAPI-контракт шлюза и валидация
// входящих запросов по нему (kin-openapi).
package openapi

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	apierrors "github.com/bigkaa/mediscope-gateway/internal/api/errors"
)

// maxJSONBodyBytes — ограничение JSON-тела, которое валидатор читает в память.
const maxJSONBodyBytes = 1 << 20

//go:embed openapi.yaml
var specYAML []byte

// Load разбирает и проверяет встроенный OpenAPI-документ.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора OpenAPI-документа: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("OpenAPI-документ невалиден: %w", err)
	}
	return doc, nil
}

// Validator — middleware валидации запросов по OpenAPI-документу.
type Validator struct {
	router routers.Router
	logger *slog.Logger
}

// NewValidator создаёт валидатор по документу.
func NewValidator(doc *openapi3.T, logger *slog.Logger) (*Validator, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения маршрутов OpenAPI: %w", err)
	}
	return &Validator{
		router: router,
		logger: logger.With(slog.String("component", "openapi_validator")),
	}, nil
}

// Middleware проверяет параметры и JSON-тела запросов.
// Тела multipart не читаются: их разбирает обработчик с ограничением размера.
// Аутентификация проверяется отдельным middleware, здесь схемы безопасности пропускаются.
// Запросы к путям, которых нет в документе, пропускаются без проверки.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			multipartBody := isMultipart(r.Header.Get("Content-Type"))
			if !multipartBody && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
					ExcludeRequestBody: multipartBody,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				v.logger.Debug("Запрос не прошёл валидацию",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, describe(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SpecHandler отдаёт документ в JSON.
func SpecHandler(doc *openapi3.T) (http.HandlerFunc, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации OpenAPI-документа: %w", err)
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}, nil
}

// describe формирует короткое сообщение об ошибке валидации для клиента.
func describe(err error) string {
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if field := strings.Join(schemaErr.JSONPointer(), "."); field != "" {
			return fmt.Sprintf("некорректное поле %s: %s", field, schemaErr.Reason)
		}
		return "некорректное тело запроса: " + schemaErr.Reason
	}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("некорректный параметр %s", reqErr.Parameter.Name)
		}
		if reqErr.RequestBody != nil {
			if reqErr.Reason != "" {
				return "некорректное тело запроса: " + reqErr.Reason
			}
			return "некорректное тело запроса"
		}
	}
	return "некорректный запрос"
}

func isMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

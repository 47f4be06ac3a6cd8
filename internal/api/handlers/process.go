package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/bigkaa/mediscope-gateway/internal/aiclient"
	apierrors "github.com/bigkaa/mediscope-gateway/internal/api/errors"
	"github.com/bigkaa/mediscope-gateway/internal/api/middleware"
	"github.com/bigkaa/mediscope-gateway/internal/service"
)

// multipartMemory — часть формы, хранимая в памяти; остальное уходит во временные файлы.
const multipartMemory = 8 << 20

type processResponse struct {
	Success     bool            `json:"success"`
	RequestID   string          `json:"requestId"`
	Interpreted json.RawMessage `json:"interpreted"`
}

// Process — POST /process.
// Принимает multipart: file, type, language и необязательные
// body_part, age, weight, symptoms.
func (h *APIHandler) Process(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	if h.opts.MaxUploadBytes > 0 {
		if r.ContentLength > h.opts.MaxUploadBytes {
			apierrors.FileTooLarge(w, "Размер загрузки превышает допустимый")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, "Размер загрузки превышает допустимый")
			return
		}
		apierrors.ValidationError(w, "Ожидается тело multipart/form-data")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warn("Не удалось удалить временные файлы формы",
				slog.String("error", err.Error()),
			)
		}
	}()

	clinical, err := parseClinical(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	in := service.ProcessInput{
		UserID:   identity.ID,
		UserName: identity.Name,
		Type:     r.FormValue("type"),
		Language: r.FormValue("language"),
		Clinical: clinical,
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		in.File = file
		in.FileName = header.Filename
	case errors.Is(err, http.ErrMissingFile):
		// in.File остаётся nil: сервис вернёт ошибку валидации
	default:
		apierrors.ValidationError(w, "Не удалось прочитать файл")
		return
	}

	res, err := h.process.Process(r.Context(), in)
	if err != nil {
		var pErr *service.ProcessError
		if errors.As(err, &pErr) {
			code := apierrors.CodeInternalError
			if pErr.Upstream {
				code = apierrors.CodeUpstreamFailure
			}
			apierrors.WriteRequestError(w, http.StatusInternalServerError, code, pErr.Message, pErr.RequestID)
			return
		}
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		Success:     true,
		RequestID:   res.RequestID,
		Interpreted: res.Interpreted,
	})
}

// parseClinical читает необязательные клинические поля формы.
func parseClinical(r *http.Request) (aiclient.ClinicalInfo, error) {
	info := aiclient.ClinicalInfo{
		BodyPart: strings.TrimSpace(r.FormValue("body_part")),
		Symptoms: strings.TrimSpace(r.FormValue("symptoms")),
	}

	if v := strings.TrimSpace(r.FormValue("age")); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil || age < 0 || age > 150 {
			return info, errors.New("поле age должно быть целым числом от 0 до 150")
		}
		info.Age = &age
	}

	if v := strings.TrimSpace(r.FormValue("weight")); v != "" {
		weight, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(weight) || math.IsInf(weight, 0) || weight <= 0 || weight > 1000 {
			return info, errors.New("поле weight должно быть положительным числом")
		}
		info.Weight = &weight
	}

	return info, nil
}

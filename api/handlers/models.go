package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/types"
)

// ModelsHandler serves GET /v1/models: the OpenAI-shaped listing of every
// exact model name the provider pool exposes. Pattern keys are not listed.
type ModelsHandler struct {
	gate     *gateway.Gate
	selector *gateway.Selector
	logger   *zap.Logger
}

// NewModelsHandler wires the model listing handler.
func NewModelsHandler(gate *gateway.Gate, selector *gateway.Selector, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		gate:     gate,
		selector: selector,
		logger:   logger.With(zap.String("component", "models_handler")),
	}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// HandleList serves the listing. No model is named, so auth checks only the
// credential itself.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snap := h.gate.Snapshot()
	if _, terr := h.gate.Authenticate(snap, r, ""); terr != nil {
		gateway.WriteError(w, types.ProtocolOpenAI, terr)
		return
	}

	now := time.Now().Unix()
	models := h.selector.AllModels(snap)
	list := modelList{
		Object: "list",
		Data:   make([]modelEntry, 0, len(models)),
	}
	for _, m := range models {
		list.Data = append(list.Data, modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "modelgate",
		})
	}
	WriteJSON(w, http.StatusOK, list)
}

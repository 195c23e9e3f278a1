package generation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"golang.org/x/crypto/blake2b"
)

const (
	ModelFluxTrained = "flux-trained"
	ModelKlingV16    = "kling-v1.6-pro"
	ModelKlingV21    = "kling-v2.1"
	ModelLlama       = "meta-llama-3-8b-instruct"
)

type ModelKind string

const (
	KindImage ModelKind = "image"
	KindVideo ModelKind = "video"
	KindText  ModelKind = "text"
)

// ModelSpec is one entry of the model catalog.
type ModelSpec struct {
	Key  string
	ID   string
	Name string
	Kind ModelKind
	Cost int // fixed credit cost, 0 means "use the type's default"
}

// Catalog resolves model keys and generation types to provider models.
type Catalog struct {
	models map[string]ModelSpec
}

func defaultModels(multiLoraModel string) []ModelSpec {
	return []ModelSpec{
		{Key: ModelFluxTrained, ID: multiLoraModel, Name: "Flux trained avatar", Kind: KindImage},
		{Key: ModelKlingV16, ID: "kwaivgi/kling-v1.6-pro", Name: "Kling 1.6 Pro video", Kind: KindVideo, Cost: 20},
		{Key: ModelKlingV21, ID: "kwaivgi/kling-v2.1", Name: "Kling 2.1 video", Kind: KindVideo, Cost: 20},
		{Key: ModelLlama, ID: "meta/meta-llama-3-8b-instruct", Name: "Llama 3 prompt helper", Kind: KindText},
	}
}

// NewCatalog builds the catalog from the built-in models overlaid with configured ones.
func NewCatalog(multiLoraModel string, overrides []config.ModelConfig) *Catalog {
	if multiLoraModel == "" {
		multiLoraModel = config.DefaultMultiLoraModel
	}
	c := &Catalog{models: make(map[string]ModelSpec)}
	for _, m := range defaultModels(multiLoraModel) {
		c.models[m.Key] = m
	}
	for _, m := range overrides {
		kind := ModelKind(m.Kind)
		if kind == "" {
			kind = KindImage
		}
		c.models[m.Key] = ModelSpec{Key: m.Key, ID: m.ID, Name: m.Name, Kind: kind, Cost: m.Cost}
	}
	return c
}

func (c *Catalog) Model(key string) (ModelSpec, bool) {
	m, ok := c.models[key]
	return m, ok
}

// Models returns all entries sorted by key.
func (c *Catalog) Models() []ModelSpec {
	out := make([]ModelSpec, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

var typeModelKeys = map[models.GenerationType]string{
	models.TypeWithAvatar:   ModelFluxTrained,
	models.TypePhotoToPhoto: ModelFluxTrained,
	models.TypePromptAssist: ModelFluxTrained,
	models.TypeAIVideo:      ModelKlingV16,
	models.TypeAIVideoV2:    ModelKlingV21,
}

// ModelKeyForType returns the model key a generation type runs on.
func ModelKeyForType(t models.GenerationType) (string, bool) {
	k, ok := typeModelKeys[t]
	return k, ok
}

// Cost returns the credits a request consumes.
func (c *Catalog) Cost(t models.GenerationType, modelKey string, outputs int) int {
	switch t {
	case models.TypeWithAvatar:
		if outputs < 1 {
			return 1
		}
		return outputs
	case models.TypePhotoToPhoto:
		return 2
	case models.TypeAIVideo, models.TypeAIVideoV2:
		if m, ok := c.models[modelKey]; ok && m.Cost > 0 {
			return m.Cost
		}
	}
	return 1
}

type dimensions struct{ width, height int }

var aspectRatios = map[string]dimensions{
	"1:1":       {1440, 1440},
	"3:4":       {1080, 1440},
	"4:3":       {1440, 1080},
	"9:16":      {810, 1440},
	"16:9":      {1440, 810},
	"2:3":       {960, 1440},
	"3:2":       {1440, 960},
	"4:5":       {1152, 1440},
	"5:4":       {1440, 1152},
	"5:7":       {1029, 1440},
	"7:5":       {1440, 1029},
	"8:10":      {1152, 1440},
	"10:8":      {1440, 1152},
	"square":    {1440, 1440},
	"portrait":  {1080, 1440},
	"landscape": {1440, 1080},
}

// AspectRatioKeys lists the selectable ratios in menu order.
var AspectRatioKeys = []string{"1:1", "3:4", "4:3", "9:16", "16:9", "2:3", "3:2", "4:5", "5:4"}

// Dimensions returns the output size for an aspect ratio key, 1440x1440 when unknown.
func Dimensions(ratio string) (width, height int) {
	d, ok := aspectRatios[ratio]
	if !ok {
		d = aspectRatios["1:1"]
	}
	return d.width, d.height
}

func KnownAspectRatio(ratio string) bool {
	_, ok := aspectRatios[ratio]
	return ok
}

var hex64 = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// IsModernModel reports whether a trained avatar can be run directly as a base checkpoint.
func IsModernModel(modelID, modelVersion, owner string) bool {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "fastnew") || strings.Contains(lower, "fast-flux") {
		return true
	}
	if hex64.MatchString(modelVersion) {
		return true
	}
	return owner != "" && strings.HasPrefix(modelID, owner+"/")
}

// AvatarModelRef returns the provider reference for a trained avatar.
func AvatarModelRef(owner, modelID, modelVersion string) string {
	ref := modelID
	if !strings.Contains(ref, "/") && owner != "" {
		ref = owner + "/" + ref
	}
	if modelVersion != "" && !strings.Contains(ref, ":") {
		ref += ":" + modelVersion
	}
	return ref
}

// Adapter is one LoRA attached to a request.
type Adapter struct {
	ID       string
	Key      string
	Model    string
	Strength float64
	Priority int
	Keywords []string
}

// GenerateAdapterID derives a stable id from the adapter's identity.
func GenerateAdapterID(key, model string, strength float64) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b-128 hasher: %w", err)
	}
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(model))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(strength))
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Adapter keys the planner refers to by name.
const (
	LoraSkinTexture  = "skin_texture_master"
	LoraPhotoRealism = "photo_realism_pro"
	LoraAntiCGI      = "anti_cgi"
	LoraUltraRealism = "ultra_realism"
	LoraFace         = "face_perfection"
	LoraColorGrading = "color_grading_pro"
	LoraPortrait     = "portrait_master_pro"
	LoraFashion      = "fashion"
)

func defaultAdapters() []config.LoraConfig {
	return []config.LoraConfig{
		{Key: LoraSkinTexture, Model: "prithivMLmods/Flux-Skin-Real", Strength: 0.9, Priority: 1,
			Keywords: []string{"skin", "texture", "natural skin", "pores", "кожа", "текстура", "realistic skin"}},
		{Key: LoraPhotoRealism, Model: "alvdansen/frosting_lane_flux", Strength: 1.0, Priority: 2,
			Keywords: []string{"photorealistic", "professional photo", "camera shot", "dslr", "фотореалистичный"}},
		{Key: LoraAntiCGI, Model: "prithivMLmods/Flux-Dev-Real-Anime", Strength: 0.9, Priority: 3,
			Keywords: []string{"real", "not cgi", "not 3d", "natural", "authentic", "реальный"}},
		{Key: LoraUltraRealism, Model: "https://huggingface.co/LHRuig/realismlora/resolve/main/realismlora-sexy%20checkpoint.safetensors", Strength: 0.9, Priority: 4,
			Keywords: []string{"super realistic", "hyperrealistic", "extreme detail", "8k", "uhd", "masterpiece"}},
		{Key: LoraFace, Model: "prithivMLmods/Canopus-LoRA-Flux-FaceRealism", Strength: 0.9, Priority: 5,
			Keywords: []string{"face", "portrait", "person", "man", "woman", "headshot", "eyes", "лицо", "портрет", "человек", "глаза"}},
		{Key: LoraColorGrading, Model: "renderartist/colorgrading", Strength: 0.9, Priority: 6,
			Keywords: []string{"color grading", "cinematic", "professional lighting", "цветокоррекция"}},
		{Key: LoraPortrait, Model: "gokaygokay/Flux-Portrait-LoRA", Strength: 0.95, Priority: 7,
			Keywords: []string{"portrait", "headshot", "professional portrait", "портрет", "studio portrait"}},
		{Key: LoraFashion, Model: "prithivMLmods/Fashion-Hut-Modeling-LoRA", Strength: 0.8, Priority: 10,
			Keywords: []string{"fashion", "style", "outfit", "dress", "suit", "clothes", "wear", "elegant", "luxury", "designer", "стиль", "одежда", "наряд"}},
	}
}

// NewAdapterTable merges configured adapters over the built-in table, keyed by adapter key.
func NewAdapterTable(configured []config.LoraConfig) (map[string]Adapter, error) {
	merged := make(map[string]config.LoraConfig)
	for _, l := range defaultAdapters() {
		merged[l.Key] = l
	}
	for _, l := range configured {
		merged[l.Key] = l
	}

	table := make(map[string]Adapter, len(merged))
	for key, l := range merged {
		id, err := GenerateAdapterID(key, l.Model, l.Strength)
		if err != nil {
			return nil, err
		}
		kw := make([]string, len(l.Keywords))
		for i, k := range l.Keywords {
			kw[i] = strings.ToLower(k)
		}
		table[key] = Adapter{ID: id, Key: key, Model: l.Model, Strength: l.Strength, Priority: l.Priority, Keywords: kw}
	}
	return table, nil
}

// sortedByPriority returns the table's adapters ordered by priority, then key.
func sortedByPriority(table map[string]Adapter) []Adapter {
	out := make([]Adapter, 0, len(table))
	for _, a := range table {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	return out
}

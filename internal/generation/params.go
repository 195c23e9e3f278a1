package generation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
)

// Pipeline is the provider request shape a job is built for.
type Pipeline string

const (
	PipelineModern Pipeline = "modern"
	PipelineLegacy Pipeline = "legacy"
	PipelineVideo  Pipeline = "video"
)

const negativePrompt = "3d render, cgi, computer graphics, digital art, artificial, fake, synthetic, " +
	"unreal engine, blender, maya, 3ds max, rendered, digital painting, " +
	"video game, animation, cartoon, anime, illustration, drawing, " +
	"plastic skin, rubber skin, waxy skin, doll skin, mannequin skin, " +
	"shiny skin, oily skin, greasy skin, artificial skin, smooth skin, " +
	"perfect skin, flawless skin, airbrushed skin, retouched skin, " +
	"red skin, pink skin, orange skin, yellow skin, purple skin, blue skin, " +
	"oversaturated skin, desaturated skin, pale skin, colorless skin, " +
	"wrong skin tone, unnatural skin color, artificial coloring, " +
	"low quality, bad quality, worst quality, blurry, out of focus, " +
	"pixelated, compression artifacts, jpeg artifacts, noise, grain, " +
	"overexposed, underexposed, bad lighting, harsh lighting, " +
	"bad anatomy, deformed face, asymmetric face, bad proportions, " +
	"bad eyes, closed eyes, dead eyes, no pupils, weird eyes, " +
	"bad hands, extra fingers, missing fingers, " +
	"oversaturated, neon colors, artificial enhancement, heavy makeup, " +
	"instagram filter, beauty filter, face tune, over-processed, " +
	"watermark, text, logo, signature, frame, border, " +
	"artificial lighting, neon lighting, fluorescent lighting, " +
	"flat lighting, studio flash, harsh shadows, no shadows, " +
	"plastic shine, glossy skin, reflective skin, shiny pores, oily reflectance, " +
	"cgi skin, rendered skin, artificial reflectance, fake shine, " +
	"perfect symmetry, unnatural perfection, over-smoothed features"

const videoNegativePrompt = "blurry, pixelated, low lighting, noise, face deformations, incorrect face proportions, " +
	"unnatural face expressions, face distortions, low image quality, poor detail, artifacts, " +
	"unnatural movements, unrealistic, distortions, defects, generation errors, low frame rate, " +
	"poor color reproduction, distorted textures, unnatural shadows, poor composition, " +
	"unnatural camera movements, unnatural transitions, low resolution, distorted facial features, " +
	"unnatural hands, distorted fingers, unnatural body proportions"

const videoDurationSeconds = 5

// ParamInput is what the builder needs from a frozen request.
type ParamInput struct {
	ModelKey          string
	GenerationType    models.GenerationType
	Prompt            string
	Outputs           int
	AspectRatio       string
	ReferenceImageURL string
	CustomPrompt      bool
	Avatar            *models.TrainedAvatar
}

// Invocation is a fully built provider call.
type Invocation struct {
	Pipeline Pipeline
	Model    string
	Params   map[string]interface{}
}

// ParamBuilder maps a request onto the provider parameters of its pipeline.
type ParamBuilder struct {
	catalog *Catalog
	planner *LoraPlanner
	owner   string
	logger  *zap.Logger
}

func NewParamBuilder(catalog *Catalog, planner *LoraPlanner, owner string, logger *zap.Logger) *ParamBuilder {
	return &ParamBuilder{catalog: catalog, planner: planner, owner: owner, logger: logger.Named("params")}
}

// UseModern reports whether the avatar runs as its own base checkpoint.
func (b *ParamBuilder) UseModern(avatar *models.TrainedAvatar) bool {
	if avatar == nil {
		return false
	}
	return IsModernModel(avatar.ModelID, avatar.ModelVersion, b.owner)
}

// Build returns the invocation for a request, or an error wrapping ErrInvalidParams
// (or ErrInvalidReference) when the job must be aborted and refunded.
func (b *ParamBuilder) Build(in ParamInput) (Invocation, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Invocation{}, fmt.Errorf("%w: empty prompt", ErrInvalidParams)
	}
	outputs := in.Outputs
	if outputs < 1 {
		outputs = 1
	}
	if in.GenerationType == models.TypePhotoToPhoto {
		if err := ValidateReference(in.ReferenceImageURL); err != nil {
			return Invocation{}, err
		}
	}

	var inv Invocation
	var err error
	switch {
	case in.GenerationType.IsVideo():
		inv, err = b.buildVideo(in)
	case in.Avatar == nil || !in.Avatar.Usable():
		return Invocation{}, fmt.Errorf("%w: %w", ErrInvalidParams, ErrAvatarNotReady)
	case b.UseModern(in.Avatar):
		inv = b.buildModern(in, outputs)
	default:
		inv, err = b.buildLegacy(in, outputs)
	}
	if err != nil {
		return Invocation{}, err
	}
	if err := validateParams(inv.Params); err != nil {
		return Invocation{}, err
	}
	b.logger.Debug("Built provider request",
		zap.String("pipeline", string(inv.Pipeline)),
		zap.String("model", inv.Model),
		zap.Int("params", len(inv.Params)))
	return inv, nil
}

func (b *ParamBuilder) buildModern(in ParamInput, outputs int) Invocation {
	params := map[string]interface{}{
		"prompt":              in.Prompt,
		"model":               "dev",
		"go_fast":             true,
		"lora_scale":          1,
		"megapixels":          "1",
		"num_outputs":         outputs,
		"aspect_ratio":        in.AspectRatio,
		"output_format":       "webp",
		"guidance_scale":      3.0,
		"output_quality":      100,
		"prompt_strength":     0.9,
		"num_inference_steps": 50,
	}
	if in.GenerationType == models.TypePhotoToPhoto {
		params["image"] = in.ReferenceImageURL
		params["prompt_strength"] = 0.8
	}
	return Invocation{
		Pipeline: PipelineModern,
		Model:    AvatarModelRef(b.owner, in.Avatar.ModelID, in.Avatar.ModelVersion),
		Params:   params,
	}
}

func (b *ParamBuilder) buildLegacy(in ParamInput, outputs int) (Invocation, error) {
	model, ok := b.catalog.Model(ModelFluxTrained)
	if !ok || model.ID == "" {
		return Invocation{}, fmt.Errorf("%w: multi-lora model not configured", ErrInvalidParams)
	}
	width, height := Dimensions(in.AspectRatio)
	params := map[string]interface{}{
		"prompt":              in.Prompt,
		"num_outputs":         outputs,
		"aspect_ratio":        in.AspectRatio,
		"width":               width,
		"height":              height,
		"guidance_scale":      3.0,
		"num_inference_steps": 50,
		"scheduler":           "DDIM",
		"output_format":       "png",
		"output_quality":      100,
		"lora_scale":          1,
		"negative_prompt":     negativePrompt,
	}

	userRef := AvatarModelRef(b.owner, in.Avatar.ModelID, in.Avatar.ModelVersion)
	for i, a := range b.planner.Stack(userRef, in.Prompt, in.GenerationType, in.CustomPrompt) {
		params[fmt.Sprintf("hf_lora_%d", i+1)] = a.Model
		params[fmt.Sprintf("lora_scale_%d", i+1)] = a.Strength
	}

	if in.GenerationType == models.TypePhotoToPhoto {
		params["image"] = in.ReferenceImageURL
		params["strength"] = 0.75
	}
	return Invocation{Pipeline: PipelineLegacy, Model: model.ID, Params: params}, nil
}

func (b *ParamBuilder) buildVideo(in ParamInput) (Invocation, error) {
	model, ok := b.catalog.Model(in.ModelKey)
	if !ok || model.Kind != KindVideo {
		return Invocation{}, fmt.Errorf("%w: unknown video model %q", ErrInvalidParams, in.ModelKey)
	}
	params := map[string]interface{}{
		"prompt":          in.Prompt,
		"aspect_ratio":    videoAspectRatio(in.AspectRatio),
		"duration":        videoDurationSeconds,
		"negative_prompt": videoNegativePrompt,
	}
	if in.ReferenceImageURL != "" {
		if err := ValidateReference(in.ReferenceImageURL); err != nil {
			return Invocation{}, err
		}
		params["start_image"] = in.ReferenceImageURL
	}
	return Invocation{Pipeline: PipelineVideo, Model: model.ID, Params: params}, nil
}

// videoAspectRatio folds any ratio onto the three the video models accept.
func videoAspectRatio(ratio string) string {
	switch ratio {
	case "16:9", "9:16", "1:1":
		return ratio
	}
	w, h := Dimensions(ratio)
	switch {
	case w > h:
		return "16:9"
	case w < h:
		return "9:16"
	}
	return "1:1"
}

// ValidateReference checks that a reference image is an absolute http(s) URL.
func ValidateReference(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: missing", ErrInvalidReference)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidReference, ref)
	}
	return nil
}

// validateParams rejects anything that is not a JSON primitive.
func validateParams(params map[string]interface{}) error {
	for k, v := range params {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return fmt.Errorf("%w: %s has non-primitive type %T", ErrInvalidParams, k, v)
		}
	}
	return nil
}

package build

import (
	"fmt"
	"os"
	"path/filepath"

	"stowage/internal/recipe"
	"stowage/internal/spec"
)

// FileRecipeResolver resolves the recipe and service specification from the
// build context. An explicit recipe or spec path on the request wins over
// files discovered in the context, and a missing recipe is synthesized from
// the specification.
type FileRecipeResolver struct{}

// Resolve returns the effective recipe and specification for the request.
func (FileRecipeResolver) Resolve(request BuildRequest) (recipe.Recipe, spec.ServiceSpec, error) {
	svc, err := resolveSpec(request)
	if err != nil {
		return recipe.Recipe{}, spec.ServiceSpec{}, err
	}
	if request.Variant != "" {
		svc.Variant = request.Variant
	}
	if err := svc.Validate(); err != nil {
		return recipe.Recipe{}, spec.ServiceSpec{}, fmt.Errorf("service spec: %w", err)
	}

	rec, err := resolveRecipe(request, svc)
	if err != nil {
		return recipe.Recipe{}, spec.ServiceSpec{}, err
	}
	return rec, svc, nil
}

func resolveSpec(request BuildRequest) (spec.ServiceSpec, error) {
	path := request.SpecPath
	if path == "" {
		candidate := filepath.Join(request.ContextDir, spec.DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		return spec.Default(filepath.Base(request.ContextDir)), nil
	}

	svc, err := spec.Load(path)
	if err != nil {
		return spec.ServiceSpec{}, fmt.Errorf("load service spec %s: %w", path, err)
	}
	return svc, nil
}

func resolveRecipe(request BuildRequest, svc spec.ServiceSpec) (recipe.Recipe, error) {
	path := request.RecipePath
	if path == "" {
		candidate := filepath.Join(request.ContextDir, recipe.DefaultRecipeName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		rec, err := recipe.ForPython(svc.RecipeOptions())
		if err != nil {
			return recipe.Recipe{}, fmt.Errorf("synthesize recipe: %w", err)
		}
		return rec, nil
	}

	rec, err := recipe.ParseFile(path)
	if err != nil {
		return recipe.Recipe{}, fmt.Errorf("parse recipe %s: %w", path, err)
	}
	return rec, nil
}

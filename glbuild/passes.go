package glbuild

// Material program. The vertex stage computes clip distances against up to
// NUM_CLIP planes given as vec4(normal, constant).
const materialVertex = `
layout(location = 0) in vec3 aPos;
layout(location = 1) in vec3 aNormal;
uniform mat4 uModel;
uniform mat4 uViewProj;
uniform mat3 uNormalMat;
#if NUM_CLIP > 0
uniform vec4 uClipPlanes[NUM_CLIP];
out float gl_ClipDistance[NUM_CLIP];
#endif
out vec3 vNormal;
out vec3 vWorld;

void main() {
	vec4 world = uModel * vec4(aPos, 1.0);
	vWorld = world.xyz;
	vNormal = normalize(uNormalMat * aNormal);
#if NUM_CLIP > 0
	for (int i = 0; i < NUM_CLIP; i++) {
		gl_ClipDistance[i] = dot(uClipPlanes[i].xyz, world.xyz) + uClipPlanes[i].w;
	}
#endif
	gl_Position = uViewProj * world;
}
`

const materialFragment = `
in vec3 vNormal;
in vec3 vWorld;
uniform vec3 uColor;
uniform vec3 uEmissive;
uniform float uRoughness;
uniform float uMetalness;
uniform float uOpacity;
uniform vec3 uLightDir;
uniform vec3 uAmbient;
uniform float uObjectID;
layout(location = 0) out vec4 fragColor;
layout(location = 1) out float fragID;

void main() {
#ifdef FLAT_SHADING
	vec3 n = normalize(cross(dFdx(vWorld), dFdy(vWorld)));
#else
	vec3 n = normalize(vNormal);
#endif
	if (!gl_FrontFacing) {
		n = -n;
	}
	vec3 l = normalize(-uLightDir);
	float dif = max(dot(n, l), 0.0);
	float spec = pow(max(dot(reflect(-l, n), vec3(0.0, 0.0, 1.0)), 0.0), mix(64.0, 4.0, uRoughness));
	vec3 base = uColor * (1.0 - 0.5 * uMetalness);
	vec3 col = uAmbient * base + dif * base + spec * mix(vec3(0.04), uColor, uMetalness) * (1.0 - uRoughness);
#ifdef REFLECTIONS
	float sky = 0.5 + 0.5 * n.y;
	col += uMetalness * mix(vec3(0.3), vec3(0.8), sky) * (1.0 - uRoughness) * 0.25;
#endif
	col += uEmissive;
	fragColor = vec4(col, uOpacity);
	fragID = uObjectID;
}
`

const linesVertex = `
layout(location = 0) in vec3 aPos;
uniform mat4 uModel;
uniform mat4 uViewProj;

void main() {
	gl_Position = uViewProj * uModel * vec4(aPos, 1.0);
}
`

const linesFragment = `
uniform vec3 uColor;
layout(location = 0) out vec4 fragColor;
layout(location = 1) out float fragID;

void main() {
	fragColor = vec4(uColor, 1.0);
	fragID = -1.0;
}
`

// quadVertex draws a full screen triangle pair from a vec2 attribute in [-1,1].
const quadVertex = `
layout(location = 0) in vec2 aPos;
out vec2 vUV;

void main() {
	vUV = aPos * 0.5 + 0.5;
	gl_Position = vec4(aPos, 0.0, 1.0);
}
`

const copyFragment = `
in vec2 vUV;
uniform sampler2D uSource;
out vec4 fragColor;

void main() {
	fragColor = texture(uSource, vUV);
}
`

// ssaoFragment expects KERNEL_SIZE, kernel and RADIUS_SCALE declared before it.
const ssaoFragment = `
in vec2 vUV;
uniform sampler2D uSource;
uniform sampler2D uDepth;
uniform mat4 uProjection;
uniform vec2 uResolution;
out vec4 fragColor;

float linearDepth(vec2 uv) {
	float z = texture(uDepth, uv).r * 2.0 - 1.0;
	float near = uProjection[3][2] / (uProjection[2][2] - 1.0);
	float far = uProjection[3][2] / (uProjection[2][2] + 1.0);
	return 2.0 * near * far / (far + near - z * (far - near));
}

void main() {
	float d = linearDepth(vUV);
	float occlusion = 0.0;
	float radius = RADIUS_SCALE * d;
	for (int i = 0; i < KERNEL_SIZE; i++) {
		vec2 offset = kernel[i].xy * radius * uResolution / uResolution.y;
		float sd = linearDepth(vUV + offset / d);
		float rangeCheck = smoothstep(0.0, 1.0, radius / abs(d - sd));
		occlusion += (sd < d - kernel[i].z * radius ? 1.0 : 0.0) * rangeCheck;
	}
	float ao = 1.0 - occlusion / float(KERNEL_SIZE);
	vec4 src = texture(uSource, vUV);
	fragColor = vec4(src.rgb * ao, src.a);
}
`

// outlineFragment draws object silhouettes from the object id buffer.
// uEdgeParams is (strength, glow, thickness).
const outlineFragment = `
in vec2 vUV;
uniform sampler2D uSource;
uniform sampler2D uIDs;
uniform sampler2D uDepth;
uniform vec2 uResolution;
uniform vec3 uEdgeParams;
uniform vec3 uVisibleEdgeColor;
uniform vec3 uHiddenEdgeColor;
out vec4 fragColor;

void main() {
	vec2 texel = uEdgeParams.z * uResolution;
	float id = texture(uIDs, vUV).r;
	float depth = texture(uDepth, vUV).r;
	float edge = 0.0;
	bool hidden = false;
	for (int i = 0; i < 4; i++) {
		vec2 dir = vec2(i == 0 ? 1.0 : i == 1 ? -1.0 : 0.0, i == 2 ? 1.0 : i == 3 ? -1.0 : 0.0);
		vec2 uv = vUV + dir * texel;
		if (texture(uIDs, uv).r != id) {
			edge = 1.0;
			hidden = hidden || texture(uDepth, uv).r < depth;
		}
	}
	edge = clamp(edge * uEdgeParams.x * 0.5 + uEdgeParams.y * edge, 0.0, 1.0);
	vec3 edgeColor = hidden ? uHiddenEdgeColor : uVisibleEdgeColor;
	vec4 src = texture(uSource, vUV);
	fragColor = vec4(mix(src.rgb, edgeColor, edge), src.a);
}
`

// fxaaFragment is a compact FXAA 3.11 style filter. uResolution is (1/width, 1/height).
const fxaaFragment = `
in vec2 vUV;
uniform sampler2D uSource;
uniform vec2 uResolution;
out vec4 fragColor;

float luma(vec3 c) { return dot(c, vec3(0.299, 0.587, 0.114)); }

void main() {
	vec3 rgbNW = texture(uSource, vUV + vec2(-1.0, -1.0) * uResolution).rgb;
	vec3 rgbNE = texture(uSource, vUV + vec2(1.0, -1.0) * uResolution).rgb;
	vec3 rgbSW = texture(uSource, vUV + vec2(-1.0, 1.0) * uResolution).rgb;
	vec3 rgbSE = texture(uSource, vUV + vec2(1.0, 1.0) * uResolution).rgb;
	vec4 rgbaM = texture(uSource, vUV);
	float lNW = luma(rgbNW), lNE = luma(rgbNE), lSW = luma(rgbSW), lSE = luma(rgbSE), lM = luma(rgbaM.rgb);
	float lMin = min(lM, min(min(lNW, lNE), min(lSW, lSE)));
	float lMax = max(lM, max(max(lNW, lNE), max(lSW, lSE)));
	vec2 dir = vec2(-((lNW + lNE) - (lSW + lSE)), (lNW + lSW) - (lNE + lSE));
	float reduce = max((lNW + lNE + lSW + lSE) * 0.03125, 1.0 / 128.0);
	float rcpMin = 1.0 / (min(abs(dir.x), abs(dir.y)) + reduce);
	dir = clamp(dir * rcpMin, vec2(-8.0), vec2(8.0)) * uResolution;
	vec3 a = 0.5 * (texture(uSource, vUV + dir * (1.0 / 3.0 - 0.5)).rgb + texture(uSource, vUV + dir * (2.0 / 3.0 - 0.5)).rgb);
	vec3 b = a * 0.5 + 0.25 * (texture(uSource, vUV + dir * -0.5).rgb + texture(uSource, vUV + dir * 0.5).rgb);
	float lB = luma(b);
	fragColor = vec4((lB < lMin || lB > lMax) ? a : b, rgbaM.a);
}
`

const gammaFragment = `
in vec2 vUV;
uniform sampler2D uSource;
uniform float uGamma;
out vec4 fragColor;

void main() {
	vec4 c = texture(uSource, vUV);
	fragColor = vec4(pow(c.rgb, vec3(1.0 / uGamma)), c.a);
}
`
